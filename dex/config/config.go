// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package config reads INI files into flat key-value options and structs.
// Section headers are ignored, so a file written for the engine's
// "[Application Options]" layout can be read by the tools.
package config

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/ini.v1"
)

// OptionsMapToINIData generates INI data from settings. Keys are sorted.
func OptionsMapToINIData(options map[string]string) []byte {
	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var buffer bytes.Buffer
	for _, key := range keys {
		fmt.Fprintf(&buffer, "%s=%s\n", key, options[key])
	}
	return buffer.Bytes()
}

// Options returns a collection of all key-value options in the provided
// config file path or []byte data. A key repeated in several sections takes
// the value of the last.
func Options(cfgPathOrData any) (map[string]string, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, err
	}
	return options(cfgFile), nil
}

func options(cfgFile *ini.File) map[string]string {
	options := make(map[string]string)
	for _, section := range cfgFile.Sections() {
		for _, key := range section.Keys() {
			options[key.Name()] = key.String()
		}
	}
	return options
}

// Parse parses config options from the provided config file path or []byte
// data into obj, which must be a pointer to a struct with ini field tags.
// Fields without a matching option keep their values.
func Parse(cfgPathOrData, obj any) error {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return err
	}

	// MapTo only reads the default section, so flatten any others into it.
	cfgSections := cfgFile.Sections()
	if len(cfgSections) > 1 || cfgSections[0].Name() != ini.DefaultSection {
		return Parse(OptionsMapToINIData(options(cfgFile)), obj)
	}

	return cfgFile.MapTo(obj)
}
