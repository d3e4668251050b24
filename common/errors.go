package common

import "errors"

// MultiError joins the non-nil errors of a shutdown sequence into one error.
func MultiError(errs []error) error {
	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return errors.Join(out...)
}
