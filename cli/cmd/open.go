package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/cachewarden/cachewarden/cli/reader"
	"github.com/cachewarden/cachewarden/config"
)

// resolveDataRoot picks the data root for read-only commands:
// --data-root wins, then the config file, then the built-in default.
func resolveDataRoot(c *cli.Context) (string, error) {
	if root := c.String("data-root"); root != "" {
		return root, nil
	}
	if path := c.String("config"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return "", err
		}
		return cfg.DataRoot, nil
	}
	return config.DefaultDataRoot, nil
}

// openReader attaches a reader to the resolved data root.
func openReader(c *cli.Context) (*reader.Reader, error) {
	root, err := resolveDataRoot(c)
	if err != nil {
		return nil, err
	}
	return reader.Open(root)
}
