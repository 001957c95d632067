// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package config parses INI key-value settings. The daemon uses it for
// per-mint option sections of the config file, e.g. request rates and
// keyset overrides keyed by mint host.
package config

import (
	"bytes"
	"fmt"

	"gopkg.in/ini.v1"
)

// OptionsMapToINIData generates INI []byte data from settings.
func OptionsMapToINIData(options map[string]string) []byte {
	var buffer bytes.Buffer
	for key, value := range options {
		buffer.WriteString(fmt.Sprintf("%s=%s\n", key, value))
	}
	return buffer.Bytes()
}

// Options returns all key-value options in the provided config file path or
// []byte data, flattened across sections.
func Options(cfgPathOrData interface{}) (map[string]string, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, err
	}
	return options(cfgFile), nil
}

// SectionOptions returns the key-value options of each non-default section,
// keyed by section name. The daemon's [mint "host"] sections are read this
// way.
func SectionOptions(cfgPathOrData interface{}) (map[string]map[string]string, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, err
	}
	sections := make(map[string]map[string]string)
	for _, section := range cfgFile.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		opts := make(map[string]string)
		for _, key := range section.Keys() {
			opts[key.Name()] = key.String()
		}
		sections[section.Name()] = opts
	}
	return sections, nil
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
// data into the specified struct object. Section headers are flattened
// first so that sectioned data still populates the struct.
func Parse(cfgPathOrData, obj interface{}) error {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return err
	}

	cfgSections := cfgFile.Sections()
	if len(cfgSections) > 1 || cfgSections[0].Name() != ini.DefaultSection {
		cfgOptions := options(cfgFile)
		return Parse(OptionsMapToINIData(cfgOptions), obj)
	}

	return cfgFile.MapTo(obj)
}
