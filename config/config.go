/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import "reflect"

// Config is a configuration section that can be loaded by Loader.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is implemented by sections stored under their own key (e.g. "grpcServer").
type KeyPrefixProvider interface {
	KeyPrefix() string
}

// CallSetProviderDefaultsForFields calls SetProviderDefaults for every exported non-nil field
// of the struct pointed to by obj that implements Config.
// It lets an application config be composed of component sections.
func CallSetProviderDefaultsForFields(obj interface{}, dp DataProvider) {
	_ = forEachConfigField(obj, func(cfg Config) error {
		cfg.SetProviderDefaults(dataProviderFor(dp, cfg))
		return nil
	})
}

// CallSetForFields calls Set for every exported non-nil field
// of the struct pointed to by obj that implements Config. It stops at the first error.
func CallSetForFields(obj interface{}, dp DataProvider) error {
	return forEachConfigField(obj, func(cfg Config) error {
		return cfg.Set(dataProviderFor(dp, cfg))
	})
}

func forEachConfigField(obj interface{}, fn func(cfg Config) error) error {
	el := reflect.ValueOf(obj).Elem()
	for i := 0; i < el.NumField(); i++ {
		if !el.Type().Field(i).IsExported() {
			continue
		}
		field := el.Field(i)
		if field.Kind() == reflect.Ptr && field.IsNil() {
			continue
		}
		cfg, ok := field.Interface().(Config)
		if !ok {
			continue
		}
		if err := fn(cfg); err != nil {
			return err
		}
	}
	return nil
}
