package utils

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

func StringToBoolHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Bool {
			return data, nil
		}

		str := data.(string)
		switch strings.ToLower(str) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off", "":
			return false, nil
		default:
			return nil, fmt.Errorf("cannot convert %q to bool", str)
		}
	}
}

func StringToIntHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		switch t.Kind() {
		case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64:
		default:
			return data, nil
		}

		str := strings.TrimSpace(data.(string))
		var i int64
		_, err := fmt.Sscanf(str, "%d", &i)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to int: %v", str, err)
		}
		if i < 0 && (t.Kind() == reflect.Uint || t.Kind() == reflect.Uint64) {
			return nil, fmt.Errorf("cannot convert %q to unsigned int", str)
		}
		return i, nil
	}
}

// Splits comma separated environment values into string slices,
// e.g. LATEXML_RUNNER_PRELOAD="article.cls,amsmath.sty".
func StringToStringSliceHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string{}) {
			return data, nil
		}

		str := data.(string)
		if str == "" {
			return []string{}, nil
		}

		parts := strings.Split(str, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}

// Decodes viper settings into cfg, which must be a pointer to a struct
// with mapstructure tags. Durations, bools, ints and comma separated
// lists are accepted in their string forms.
func UnmarshalConfig(v *viper.Viper, cfg interface{}) error {
	return DecodeConfig(v.AllSettings(), cfg)
}

// Decodes a settings map into cfg using the same hooks as UnmarshalConfig.
func DecodeConfig(settings map[string]interface{}, cfg interface{}) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		StringToBoolHookFunc(),
		StringToIntHookFunc(),
		StringToStringSliceHookFunc(),
	)

	decoderConfig := &mapstructure.DecoderConfig{
		DecodeHook:       hook,
		Result:           cfg,
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return err
	}
	return decoder.Decode(settings)
}
