package model

import "errors"

// ErrInvalid marks request validation failures so transport layers can
// distinguish caller mistakes from internal faults.
var ErrInvalid = errors.New("invalid request")
