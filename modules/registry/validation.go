package registry

import (
	"regexp"

	"github.com/grafana/urd/pkg/apierror"
)

const (
	maxNameLength        = 255
	maxDescriptionLength = 1000
	maxUnitLength        = 100
	maxLabelKeys         = 10
	maxLabelKeyLength    = 100

	minRetentionDays     = 1
	maxRetentionDays     = 1825
	defaultRetentionDays = 30
)

var (
	metricNameRegexp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)
	labelKeyRegexp   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
)

func validateMetricName(name string) error {
	switch {
	case name == "":
		return apierror.New(apierror.KindBadInput, "metric name is required")
	case len(name) > maxNameLength:
		return apierror.New(apierror.KindBadInput, "metric name exceeds %d characters", maxNameLength)
	case !metricNameRegexp.MatchString(name):
		return apierror.New(apierror.KindBadInput, "metric name %q must start with a letter and contain only letters, digits, '_', '.' or '-'", name)
	}
	return nil
}

func validateLabelKey(key string) error {
	switch {
	case len(key) > maxLabelKeyLength:
		return apierror.New(apierror.KindBadInput, "label key %q exceeds %d characters", key, maxLabelKeyLength)
	case !labelKeyRegexp.MatchString(key):
		return apierror.New(apierror.KindBadInput, "label key %q must start with a letter and contain only letters, digits or '_'", key)
	}
	return nil
}

func validateLabelSchema(keys []string) error {
	if len(keys) > maxLabelKeys {
		return apierror.New(apierror.KindBadInput, "label schema has %d keys, at most %d are allowed", len(keys), maxLabelKeys)
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if err := validateLabelKey(key); err != nil {
			return err
		}
		if _, dup := seen[key]; dup {
			return apierror.New(apierror.KindBadInput, "duplicate label key %q in schema", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func validateRetention(days int) error {
	if days < minRetentionDays || days > maxRetentionDays {
		return apierror.New(apierror.KindBadInput, "retention must be between %d and %d days, got %d", minRetentionDays, maxRetentionDays, days)
	}
	return nil
}
