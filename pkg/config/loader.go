package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	cache   sync.Map // type name -> parsed value
	envOnce sync.Once
)

// Load parses environment variables into v using `env` struct tags.
// A `.env` file in the working directory is read once per process if present.
// Parsed values are cached per type, so repeated calls are cheap and return
// the same configuration.
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}

	envOnce.Do(func() {
		_ = godotenv.Load()
	})

	key := typeKey[T]()
	if cached, ok := cache.Load(key); ok {
		*v = cached.(T)
		return nil
	}

	var parsed T
	if err := env.Parse(&parsed); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}

	actual, _ := cache.LoadOrStore(key, parsed)
	*v = actual.(T)
	return nil
}

// MustLoad is like Load but panics on failure.
// Use it only in main packages where a missing setting is fatal.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

// Reset drops every cached configuration. Intended for tests.
func Reset() {
	cache.Range(func(key, _ any) bool {
		cache.Delete(key)
		return true
	})
}

func typeKey[T any]() string {
	t := reflect.TypeFor[T]()
	return t.PkgPath() + "." + t.String()
}
