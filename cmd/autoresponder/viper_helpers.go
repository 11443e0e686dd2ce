package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bindFlag binds a flag to key. A flag left unset falls through to env and defaults.
func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if f == nil {
		return
	}
	_ = v.BindPFlag(key, f)
}
