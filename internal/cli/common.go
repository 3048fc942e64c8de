package cli

import (
	"fmt"
	"strconv"
	"strings"

	"tilefuse/internal/models"
	"tilefuse/pkg/blending"
	"tilefuse/pkg/config"
)

// parseRange parses a "start:end" plane range
func parseRange(s string) (models.PositionRange, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return models.PositionRange{}, fmt.Errorf("%w: range %q must have the form start:end", blending.ErrConfiguration, s)
	}

	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return models.PositionRange{}, fmt.Errorf("%w: invalid range start in %q", blending.ErrConfiguration, s)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endStr))
	if err != nil {
		return models.PositionRange{}, fmt.Errorf("%w: invalid range end in %q", blending.ErrConfiguration, s)
	}

	return models.PositionRange{Start: start, End: end}, nil
}

// parseRanges parses every --range value, keeping their order
func parseRanges(values []string) ([][2]int, error) {
	out := make([][2]int, 0, len(values))
	for _, v := range values {
		r, err := parseRange(v)
		if err != nil {
			return nil, err
		}
		out = append(out, [2]int{r.Start, r.End})
	}
	return out, nil
}

// loadConfig reads the --config file, or returns defaults when none is given
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	return cfg, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
