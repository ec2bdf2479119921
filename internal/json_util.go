package internal

import "encoding/json"

func Decode[T any](data []byte) (T, error) {
	var res T
	err := json.Unmarshal(data, &res)
	return res, err
}
