package dispatcher

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"bourse/domain/matching"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New()

// DecodeEvent parses and validates a queue payload. Every failure wraps
// matching.ErrCorruptEvent.
func DecodeEvent(b []byte) (matching.Event, error) {
	var ev matching.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", matching.ErrCorruptEvent, err)
	}
	if err := validate.Struct(&ev); err != nil {
		return ev, fmt.Errorf("%w: %v", matching.ErrCorruptEvent, err)
	}
	return ev, nil
}
