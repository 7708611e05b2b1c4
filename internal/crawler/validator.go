package crawler

import (
	"fmt"
	"net/url"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/parser"
)

// ValidationResult contains the outcome of record validation.
type ValidationResult struct {
	Passed         bool
	Errors         []string
	Warnings       []string
	AttributeCount int
	AssetCount     int
}

// ValidateRecord performs quality checks on a parsed record before it is
// stored. Errors reject the record; warnings are only logged.
//
// This validates:
// - Attribute names are non-empty
// - At least one attribute was extracted (warning only)
// - Brand and product name were derived
// - Asset URLs are absolute
func ValidateRecord(rec *parser.Record) ValidationResult {
	result := ValidationResult{
		Passed: true,
	}

	if rec == nil {
		result.Errors = append(result.Errors, "no record provided")
		result.Passed = false
		return result
	}

	// Check 1: Non-empty attribute set. A table without rows is still a
	// product page; it is stored with its derived names.
	if rec.Attributes == nil || rec.Attributes.Len() == 0 {
		result.Warnings = append(result.Warnings, "record has no attributes")
	} else {
		result.AttributeCount = rec.Attributes.Len()

		// Check 2: Every attribute has a usable column name
		for _, k := range rec.Attributes.Keys() {
			if k == "" {
				result.Errors = append(result.Errors, "attribute with empty name")
				result.Passed = false
			}
		}
	}

	// Check 3: Derived names
	if rec.Brand == "" || rec.Brand == parser.Unknown {
		result.Warnings = append(result.Warnings, "brand not found")
	}
	if rec.ProductName == "" || rec.ProductName == parser.Unknown {
		result.Warnings = append(result.Warnings, "product name not derived")
	}

	// Check 4: Assets
	result.AssetCount = len(rec.Assets)
	if len(rec.Assets) == 0 {
		result.Warnings = append(result.Warnings, "no gallery assets")
	}
	for _, a := range rec.Assets {
		u, err := url.Parse(a)
		if err != nil || !u.IsAbs() {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("asset is not an absolute URL: %s", a))
		}
	}

	return result
}
