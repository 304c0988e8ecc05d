// Command stagegate is a thin, non-interactive front end over the gating
// engine. It maps engine decisions to exit codes: 0 allowed, 1 blocked,
// 2 when a bypass or recovery attempt failed outright.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kingrea/stagegate/internal/config"
	"github.com/kingrea/stagegate/internal/engine"
	"github.com/kingrea/stagegate/internal/logging"
)

const (
	exitAllowed = 0
	exitBlocked = 1
	exitFailed  = 2
)

func main() {
	code := exitAllowed
	root := newRootCmd(&code)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stagegate:", err)
		os.Exit(exitFailed)
	}
	os.Exit(code)
}

type app struct {
	projectDir string
	cfg        *config.Config
	engine     *engine.Engine
}

func newRootCmd(code *int) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "stagegate",
		Short:         "Schema-driven workflow gating",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.projectDir == "" {
				dir, err := os.Getwd()
				if err != nil {
					return err
				}
				a.projectDir = dir
			}
			cfg, err := config.Load(a.projectDir)
			if err != nil {
				return err
			}
			a.cfg = cfg
			eng, err := engine.New(cfg, engine.Options{
				ProjectDir: a.projectDir,
				Logger:     logging.New(cfg.LogLevel),
			})
			if err != nil {
				return err
			}
			a.engine = eng
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.projectDir, "project", "p", "", "project directory (default: working directory)")
	root.AddCommand(
		newEnforceCmd(a, code),
		newCheckCmd(a),
		newStatusCmd(a),
		newAuditCmd(a),
		newRecoverCmd(a),
	)
	return root
}
