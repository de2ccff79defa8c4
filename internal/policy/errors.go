package policy

import "fmt"

// UnresolvedPlaceholderError is returned when a template references a
// placeholder that has no binding.
type UnresolvedPlaceholderError struct {
	Statement   string
	Placeholder string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("statement '%s' references unbound placeholder {%s}", e.Statement, e.Placeholder)
}

// DuplicateStatementError is returned when two statements in one document
// share a sid.
type DuplicateStatementError struct {
	Sid string
}

func (e *DuplicateStatementError) Error() string {
	return fmt.Sprintf("duplicate statement sid '%s'", e.Sid)
}

// DuplicateConditionError is returned when one statement declares the same
// condition operator twice. IAM keeps only one block per operator, so the
// constraints must be merged into a single block instead.
type DuplicateConditionError struct {
	Sid      string
	Operator string
}

func (e *DuplicateConditionError) Error() string {
	return fmt.Sprintf("statement '%s' declares condition operator %s more than once", e.Sid, e.Operator)
}

// ConflictingConditionError is returned when substitution maps two keys of
// one condition block onto the same key with different values.
type ConflictingConditionError struct {
	Sid      string
	Operator string
	Key      string
}

func (e *ConflictingConditionError) Error() string {
	return fmt.Sprintf("statement '%s' condition %s binds key '%s' to conflicting values", e.Sid, e.Operator, e.Key)
}
