package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/RichNachos/deepdecode/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Settings is a collection of named parameters with default values, that can be overridden from the command line.
type Settings interface {
	// GetParam returns the current value of the parameter key. Its type defines how new values are parsed.
	GetParam(key string) (value any, found bool)

	// SetParam sets the parameter key to value, which has the same type as the one returned by GetParam.
	SetParam(key string, value any) error

	// ParamKeys lists the keys that can be set.
	ParamKeys() []string
}

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be known by `s`, and the current values
// are used to set the type to which the string values will be parsed to.
//
// It updates `s` accordingly and returns an error in case a parameter is unknown or the parsing failed.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000. For pointer types (optional values) "null" sets it to nil.
//
// A setting like "file:settings.txt" reads the settings from the file, with new-lines working as ";",
// and lines starting with "#" are considered comments.
//
// Example usage:
//
//	func main() {
//		config := createDefaultConfig()
//		settings := commandline.CreateSettingsFlag(config, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(config, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintSettings(config))
//		...
//	}
func ParseSettings(s Settings, settings string) (paramsSet []string, err error) {
	settingsList := strings.Split(settings, ";")
	for _, setting := range settingsList {
		paramsSet, err = parseSetting(s, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(s Settings, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		// Read parameters from a file.
		filePath := strings.TrimPrefix(setting, "file:")
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		lines := strings.Split(string(contents), "\n")
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(s, strings.TrimSpace(setting), newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found || key == "" {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\"",
			setting)
		return
	}
	value, found := s.GetParam(key)
	if !found {
		err = errors.Errorf("can't set parameter %q because it is not known, known parameters are %q",
			key, s.ParamKeys())
		return
	}
	value, err = parseValue(value, valueStr)
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (current value is %s)", valueStr, key,
			sprintValue(value))
		return
	}
	if err = s.SetParam(key, value); err != nil {
		err = errors.WithMessagef(err, "failed to set parameter %q", key)
		return
	}
	newParamsSet = append(newParamsSet, key)
	return
}

// parseValue parses valueStr to the type of the current value.
func parseValue(current any, valueStr string) (value any, err error) {
	value = current
	switch v := current.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case *int64:
		var p *int64
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &p)
		value = p
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case *float64:
		var p *float64
		err = json.Unmarshal([]byte(valueStr), &p)
		value = p
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		parts := strings.Split(valueStr, ",")
		values := make([]int, len(parts))
		for ii, part := range parts {
			if err = json.Unmarshal([]byte(strings.ReplaceAll(part, "_", "")), &values[ii]); err != nil {
				return
			}
		}
		value = values
	case []float64:
		parts := strings.Split(valueStr, ",")
		values := make([]float64, len(parts))
		for ii, part := range parts {
			if err = json.Unmarshal([]byte(part), &values[ii]); err != nil {
				return
			}
		}
		value = values
	default:
		err = errors.Errorf("don't know how to parse type %T", current)
	}
	return
}

func sprintValue(value any) string {
	switch v := value.(type) {
	case *int64:
		if v == nil {
			return "null"
		}
		return fmt.Sprintf("%d", *v)
	case *float64:
		if v == nil {
			return "null"
		}
		return fmt.Sprintf("%g", *v)
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters currently defined in `s`.
//
// The flag should be created before the call to `flags.Parse()`.
func CreateSettingsFlag(s Settings, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts,
		`Set configuration parameters. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`)
	for _, key := range s.ParamKeys() {
		value, _ := s.GetParam(key)
		parts = append(parts, fmt.Sprintf("%q: default value is %s", key, sprintValue(value)))
	}
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintSettings pretty-print values for the current settings into a string.
func SprintSettings(s Settings) string {
	var parts []string
	for _, key := range s.ParamKeys() {
		value, _ := s.GetParam(key)
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %s", key, value, sprintValue(value)))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-print the values of the settings in paramsSet, as returned by ParseSettings.
func SprintModifiedSettings(s Settings, paramsSet []string) string {
	var parts []string
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	for _, key := range paramsSet {
		value, found := s.GetParam(key)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %s", key, value, sprintValue(value)))
	}
	return strings.Join(parts, "\n")
}
