package utils

import "fmt"

// PanicError converts a recovered value into an error.
func PanicError(rec interface{}) error {
	switch e := rec.(type) {
	case error:
		return e
	default:
		return fmt.Errorf("%v", e)
	}
}
