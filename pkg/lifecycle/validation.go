package lifecycle

import (
	"strings"

	"github.com/distribution/reference"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Validate checks the descriptor before anything is sent to the remote system.
//
// The name doubles as the container name, so it must be a DNS-1123 label.
func (d Descriptor) Validate() error {
	var errs field.ErrorList
	fp := field.NewPath("descriptor")

	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, field.Required(fp.Child("name"), "must not be blank"))
	} else {
		for _, msg := range validation.IsDNS1123Label(d.Name) {
			errs = append(errs, field.Invalid(fp.Child("name"), d.Name, msg))
		}
	}

	if strings.TrimSpace(d.Image) == "" {
		errs = append(errs, field.Required(fp.Child("image"), "must not be blank"))
	} else if _, err := reference.ParseAnyReference(d.Image); err != nil {
		errs = append(errs, field.Invalid(fp.Child("image"), d.Image, err.Error()))
	}

	for k, v := range d.Labels {
		for _, msg := range validation.IsQualifiedName(k) {
			errs = append(errs, field.Invalid(fp.Child("labels").Key(k), k, msg))
		}
		for _, msg := range validation.IsValidLabelValue(v) {
			errs = append(errs, field.Invalid(fp.Child("labels").Key(k), v, msg))
		}
	}

	return errs.ToAggregate()
}
