package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/common"
)

const maxKeyLength = 1024

// Validator decides whether an arrival event refers to an eligible input
// document. It is pure: no I/O, no state.
type Validator struct {
	inputPrefix string
	exts        map[string]struct{}
}

// NewValidator builds a validator for the given input prefix. A nil
// extension set falls back to the accepted document types.
func NewValidator(inputPrefix string, exts map[string]struct{}) *Validator {
	if exts == nil {
		exts = constants.AllowedExtensions
	}
	return &Validator{
		inputPrefix: strings.Trim(inputPrefix, "/"),
		exts:        exts,
	}
}

// ValidatedKey is a source key that passed validation.
type ValidatedKey struct {
	Key string
	Ext string
}

// InvalidKeyError reports a source key rejected by validation.
type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid source key %q: %s", e.Key, e.Reason)
}

func (e *InvalidKeyError) Is(target error) bool {
	return target == common.ErrInvalidInput
}

// Validate checks that key sits under the input prefix and carries an
// accepted document extension.
func (v *Validator) Validate(key string) (ValidatedKey, error) {
	fields := common.NewValidator()
	fields.Field("source_key", key, common.Required)
	fields.Field("source_key", key, func(name string, value interface{}) *common.ValidationError {
		return common.MaxLength(name, value, maxKeyLength)
	})
	if err := common.ValidateAndReturnError(fields); err != nil {
		return ValidatedKey{}, err
	}

	// Prefix match requires a path-segment boundary: "policy/pdfs/x.pdf"
	// is outside "policy/pdf".
	if !strings.HasPrefix(key, v.inputPrefix+"/") {
		return ValidatedKey{}, &InvalidKeyError{Key: key, Reason: fmt.Sprintf("outside input location %q", v.inputPrefix)}
	}
	if strings.Contains(key, "..") {
		return ValidatedKey{}, &InvalidKeyError{Key: key, Reason: "key must not contain parent references"}
	}

	ext := constants.NormalizeExt(path.Ext(key))
	if ext == "" {
		return ValidatedKey{}, &InvalidKeyError{Key: key, Reason: "missing file extension"}
	}
	if !constants.AllowedExt(ext) {
		return ValidatedKey{}, &InvalidKeyError{Key: key, Reason: fmt.Sprintf("unsupported file extension %q", ext)}
	}

	return ValidatedKey{Key: key, Ext: ext}, nil
}
