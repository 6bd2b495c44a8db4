package capability

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// decodeOptions decodes free-form capability options into a typed struct.
// Input is weakly typed so values from YAML, JSON and env all decode.
// Unknown keys are rejected.
func decodeOptions(src map[string]any, dst any) error {
	if len(src) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           dst,
	})
	if err != nil {
		return fmt.Errorf("build options decoder: %w", err)
	}
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}
