package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/G-Research/buildqueue/internal/buildqueue/model"
)

// CustomHooks replace viper's default decode hooks, so the defaults are repeated here.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		RunnerTypeDecodeHook(),
	)),
}

// RunnerTypeDecodeHook lets runner types be written by name, e.g., "instance".
func RunnerTypeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(model.UnknownRunnerType) {
			return data, nil
		}
		return model.ParseRunnerType(data.(string))
	}
}
