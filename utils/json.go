package utils

import (
	"encoding/json"
)

// MarshalToJSON encodes input as a JSON string.
func MarshalToJSON[T any](input T) (string, error) {
	jsonData, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(jsonData), nil
}

// UnmarshalFromJSON decodes data into output.
func UnmarshalFromJSON[T any](data []byte, output *T) error {
	return json.Unmarshal(data, output)
}

// DecodeJSON unmarshals data into a new T.
func DecodeJSON[T any](data []byte) (T, error) {
	var out T
	err := json.Unmarshal(data, &out)
	return out, err
}
