// Package jsoncodec is the single JSON entry point of the module. It is backed
// by sonic with the standard-library compatible configuration.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}
