package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/dukex/psaflow/pkg/actions"
	"github.com/dukex/psaflow/pkg/cmd"
	"github.com/dukex/psaflow/pkg/log"
	"github.com/dukex/psaflow/pkg/models"
)

var ErrNoFiles = errors.New("at least one definition file is required")

// loadDefinitions reads one definition or a list of definitions from path.
// .yaml and .yml files are decoded as YAML, everything else as JSON.
func loadDefinitions(path string) ([]*models.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		raw, err = yamlToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	definitions, err := decodeDefinitions(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return definitions, nil
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var document any

	err := yaml.Unmarshal(raw, &document)
	if err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	return json.Marshal(document)
}

func decodeDefinitions(raw []byte) ([]*models.WorkflowDefinition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty document")
	}

	if raw[0] == '[' {
		var definitions []*models.WorkflowDefinition

		err := json.Unmarshal(raw, &definitions)
		if err != nil {
			return nil, fmt.Errorf("invalid definition list: %w", err)
		}

		return definitions, nil
	}

	var definition models.WorkflowDefinition

	err := json.Unmarshal(raw, &definition)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}

	return []*models.WorkflowDefinition{&definition}, nil
}

// checkDefinitions validates every definition and its action types. It
// writes one line per definition and returns the joined failures.
func checkDefinitions(out io.Writer, registry *actions.Registry, paths []string) ([]*models.WorkflowDefinition, error) {
	var (
		valid []*models.WorkflowDefinition
		errs  []error
	)

	for _, path := range paths {
		definitions, err := loadDefinitions(path)
		if err != nil {
			fmt.Fprintf(out, "INVALID %s: %v\n", path, err)
			errs = append(errs, err)

			continue
		}

		for _, definition := range definitions {
			err := definition.Validate()
			if err == nil {
				err = registry.CheckDefinition(definition)
			}

			if err != nil {
				fmt.Fprintf(out, "INVALID %s (%s): %v\n", definition.ID, path, err)
				errs = append(errs, fmt.Errorf("%s: %w", definition.ID, err))

				continue
			}

			fmt.Fprintf(out, "OK      %s (%s)\n", definition.ID, path)

			valid = append(valid, definition)
		}
	}

	return valid, errors.Join(errs...)
}

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate workflow definition files without saving them",
		ArgsUsage: "<file...>",
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			paths := command.Args().Slice()
			if len(paths) == 0 {
				return ErrNoFiles
			}

			registry, err := cmd.NewRegistry(log.WithModule("psaflow"), nil)
			if err != nil {
				return err
			}

			_, err = checkDefinitions(command.Root().Writer, registry, paths)

			return err
		},
	}
}

func NewImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Aliases:   []string{"i"},
		Usage:     "Validate and save workflow definition files",
		ArgsUsage: "<file...>",
		Flags: []cli.Flag{
			databaseURLFlag(),
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("psaflow").With("action", "import")

			paths := command.Args().Slice()
			if len(paths) == 0 {
				return ErrNoFiles
			}

			registry, err := cmd.NewRegistry(logger, nil)
			if err != nil {
				return err
			}

			out := command.Root().Writer

			definitions, err := checkDefinitions(out, registry, paths)
			if err != nil {
				return err
			}

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			for _, definition := range definitions {
				err := store.SaveWorkflow(ctx, definition)
				if err != nil {
					return fmt.Errorf("failed to save %s: %w", definition.ID, err)
				}

				fmt.Fprintf(out, "Saved %s version %d\n", definition.ID, definition.Version)
			}

			logger.InfoContext(ctx, "Imported workflow definitions", "count", len(definitions))

			return nil
		},
	}
}
