package policy

import (
	"fmt"
	"regexp"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/filter"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/utils"
)

const maxTableEntries = 65536

// Validate returns all problems found in p as a single aggregate error.
func Validate(p *Policy) error {
	var allErrs field.ErrorList
	if _, err := filter.ParseMode(p.Mode); err != nil {
		allErrs = append(allErrs, field.NotSupported(field.NewPath("mode"), p.Mode, []string{"allow", "deny"}))
	}
	allErrs = append(allErrs, validatePatterns(p.Patterns)...)
	allErrs = append(allErrs, validateIndices(p.Indices)...)
	if err := validateMaxEntries(p.MaxEntries); err != nil {
		allErrs = append(allErrs, err)
	}
	for i, name := range p.Interfaces {
		if name == "" {
			allErrs = append(allErrs, field.Required(field.NewPath("interfaces").Index(i), "must not be empty"))
		}
	}
	return allErrs.ToAggregate()
}

func validatePatterns(patterns []string) field.ErrorList {
	var allErrs field.ErrorList
	for i, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			allErrs = append(allErrs, field.Invalid(field.NewPath("patterns").Index(i), pattern,
				fmt.Sprintf("must be a valid regular expression: %s", err.Error())))
		}
	}
	return allErrs
}

func validateIndices(indices []string) field.ErrorList {
	var allErrs field.ErrorList
	for i, idx := range indices {
		if utils.IsRange(idx) {
			// GetRange() validates that range is valid and emits an error if this is not the case
			if _, _, err := utils.GetRange(idx); err != nil {
				allErrs = append(allErrs, field.Invalid(field.NewPath("indices").Index(i), idx,
					fmt.Sprintf("must be a valid index range: %s", err.Error())))
			}
			continue
		}
		if _, err := utils.GetIndex(idx); err != nil {
			allErrs = append(allErrs, field.Invalid(field.NewPath("indices").Index(i), idx,
				fmt.Sprintf("must be a valid index: %s", err.Error())))
		}
	}
	return allErrs
}

func validateMaxEntries(maxEntries uint32) *field.Error {
	if !withinRange(maxEntries, 1, maxTableEntries) {
		return field.Invalid(field.NewPath("maxEntries"), maxEntries,
			fmt.Sprintf("must be between 1 and %d", maxTableEntries))
	}
	return nil
}

func withinRange(i, lowerBound, upperBound uint32) bool {
	return i >= lowerBound && i <= upperBound
}
