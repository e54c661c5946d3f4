package api

import "github.com/go-playground/validator/v10"

// validate is the package-wide validator instance for request payloads.
// validator caches struct metadata internally, so a single instance is both
// safe and fast.
var validate = validator.New()
