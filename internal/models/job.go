package models

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxRuleNameLength bounds rule_name to the width of the storage column.
const MaxRuleNameLength = 255

// MaxTimeIntervalLength is the width of the time_interval column.
const MaxTimeIntervalLength = 16

var timeIntervalPattern = regexp.MustCompile(`^[1-9][0-9]*[mhd]$`)

// DetectionJob is a compiled rule persisted as a schedulable job.
type DetectionJob struct {
	ID                uuid.UUID  `json:"id"`
	RuleName          string     `json:"rule_name"`  // Unique, used as the tag value on matches
	RuleQuery         string     `json:"rule_query"` // Backend-native query string, opaque to the executor
	Active            bool       `json:"active"`
	TimeInterval      string     `json:"time_interval"`
	LastUpdated       time.Time  `json:"last_updated"`
	LastExecutionTime *time.Time `json:"last_execution_time"`
}

// CreateJobRequest is the API request for registering a compiled query.
type CreateJobRequest struct {
	RuleName     string `json:"rule_name"`
	RuleQuery    string `json:"rule_query"`
	Active       bool   `json:"active"`
	TimeInterval string `json:"time_interval"`
}

// SetIntervalRequest is the API request for changing a job's interval.
type SetIntervalRequest struct {
	TimeInterval string `json:"time_interval"`
}

// ValidationError reports a malformed job attribute.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Validate checks every field of the request.
func (r *CreateJobRequest) Validate() error {
	if err := ValidateRuleName(r.RuleName); err != nil {
		return err
	}
	if err := ValidateRuleQuery(r.RuleQuery); err != nil {
		return err
	}
	return ValidateTimeInterval(r.TimeInterval)
}

// ValidateRuleName rejects empty or oversized names.
func ValidateRuleName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "rule_name", Message: "must not be empty"}
	}
	if len(name) > MaxRuleNameLength {
		return &ValidationError{Field: "rule_name", Message: fmt.Sprintf("must be at most %d characters", MaxRuleNameLength)}
	}
	return nil
}

// ValidateRuleQuery rejects blank queries.
func ValidateRuleQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return &ValidationError{Field: "rule_query", Message: "must not be empty"}
	}
	return nil
}

// ValidateTimeInterval accepts a positive count of minutes, hours or days ("5m", "1h", "30d")
// that fits both the storage column and a time.Duration.
func ValidateTimeInterval(interval string) error {
	_, err := ParseInterval(interval)
	return err
}

// ParseInterval converts a time_interval into a duration.
func ParseInterval(interval string) (time.Duration, error) {
	if len(interval) > MaxTimeIntervalLength {
		return 0, &ValidationError{Field: "time_interval", Message: fmt.Sprintf("must be at most %d characters", MaxTimeIntervalLength)}
	}
	if !timeIntervalPattern.MatchString(interval) {
		return 0, &ValidationError{Field: "time_interval", Message: fmt.Sprintf("%q must match %s", interval, timeIntervalPattern)}
	}

	var unit time.Duration
	switch interval[len(interval)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	}

	n, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil || n > int64(math.MaxInt64/unit) {
		return 0, &ValidationError{Field: "time_interval", Message: fmt.Sprintf("%q is too long", interval)}
	}
	return time.Duration(n) * unit, nil
}
