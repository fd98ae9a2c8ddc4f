package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	var cities []string
	cmd := &cobra.Command{
		Use:   "run [city...]",
		Short: "Refresh one or more cities and print the merged results",
		Long: `Runs the pipeline once per city, in order. Each merged result is written
to the configured gateway and printed as one JSON document per line. A failed
city does not stop the others; the command exits non-zero if any failed.`,
		Example: "  crowdpulse run --city Paris --city Rome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCities(cmd, append(cities, args...))
		},
	}
	cmd.Flags().StringArrayVar(&cities, "city", nil, "city to refresh (repeatable)")
	return cmd
}

func runCities(cmd *cobra.Command, cities []string) error {
	targets := make([]string, 0, len(cities))
	for _, c := range cities {
		if c = strings.TrimSpace(c); c != "" {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return errors.New("at least one --city is required")
	}

	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			e.logger.Warn("close services failed", zap.Error(cerr))
		}
	}()

	enc := json.NewEncoder(cmd.OutOrStdout())
	var errs []error
	for _, city := range targets {
		if err := cmd.Context().Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result, err := a.Pipeline().Run(cmd.Context(), city)
		if err != nil {
			a.Logger().Error("city run failed", zap.String("city", city), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", city, err))
			continue
		}
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return errors.Join(errs...)
}
