package bpmn

import "strings"

// Validation error codes returned by Validate and carried by Parse failures.
const (
	CodeEmptyXML         = "EMPTY_XML"
	CodeXMLParseError    = "XML_PARSE_ERROR"
	CodeSchemaError      = "SCHEMA_ERROR"
	CodeExtensionError   = "EXTENSION_ERROR"
	CodeDuplicateID      = "DUPLICATE_ID"
	CodeInvalidFlow      = "INVALID_FLOW"
	CodeInvalidReference = "INVALID_REFERENCE"
	CodeMissingAttribute = "MISSING_ATTRIBUTE"
	CodeInvalidStructure = "INVALID_STRUCTURE"
)

// ValidationIssue is a single problem found in a BPMN document.
type ValidationIssue struct {
	// Code is one of the Code* constants.
	Code string

	// Message is a human-readable description of the problem.
	Message string

	// Element is the ID of the offending element when known.
	Element string
}

func (i ValidationIssue) String() string {
	if i.Element != "" {
		return i.Code + ": " + i.Message + " (" + i.Element + ")"
	}
	return i.Code + ": " + i.Message
}

// ValidationResult collects every issue found in a document. Validate never
// returns an error; callers inspect Valid.
type ValidationResult struct {
	Valid  bool
	Errors []ValidationIssue
}

// ValidationError is returned by Parse when the document is not executable.
// It wraps the collected issues so callers can map them to user-facing
// responses without re-validating.
type ValidationError struct {
	Issues []ValidationIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid bpmn"
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return "invalid bpmn: " + strings.Join(msgs, "; ")
}
