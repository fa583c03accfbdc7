package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/stepwise/internal/config"
	"github.com/pitabwire/stepwise/internal/definition"
	"github.com/pitabwire/stepwise/internal/openapi"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate wizard definitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		index := openapi.NewIndex()
		if err := index.Load(buildSpecSources(cfg.Specs, cfg.Services)); err != nil {
			return fmt.Errorf("OpenAPI index load failed: %w", err)
		}

		files, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
		if err != nil {
			return fmt.Errorf("definition loading failed: %w", err)
		}

		verrs := definition.NewValidator().Validate(files, index)
		out := cmd.OutOrStdout()
		for _, ve := range verrs {
			fmt.Fprintf(out, "%s: %s (%s)\n", ve.Path, ve.Message, ve.Code)
		}
		if len(verrs) > 0 {
			return fmt.Errorf("%d definition errors", len(verrs))
		}

		wizards := 0
		for _, f := range files {
			wizards += len(f.Wizards)
		}
		fmt.Fprintf(out, "ok: %d files, %d wizards\n", len(files), wizards)
		return nil
	},
}
