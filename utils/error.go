package utils

import "errors"

var ErrorInvalidDate = errors.New("invalid date")
