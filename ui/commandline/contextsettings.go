package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/gomlx/towers/pkg/support/sets"
	"github.com/pkg/errors"
)

// settingsFilePrefix marks a setting that is a file with more settings.
const settingsFilePrefix = "file:"

// ParseContextSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in the root scope of `ctx`. The default values also define the type to which the
// string values are parsed.
//
// A parameter can be set for a scope only, with an absolute scope path: "/cnn/logits/weight_decay=0.1"
// works as long as a default "weight_decay" is defined in the root scope.
//
// For integer types (and lists of integers), "_" is removed: it allows one to enter large numbers using it as
// a separator, like in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads the settings from the file, one or more per line, where lines starting with
// "#" are comments.
//
// It returns the list of parameter paths set, in order.
//
// Example usage:
//
//	func main() {
//		ctx := createDefaultContext()
//		settings := commandline.CreateContextSettingsFlag(ctx, "")
//		flag.Parse()
//		paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
//		...
//	}
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		switch {
		case setting == "":
			continue
		case strings.HasPrefix(setting, settingsFilePrefix):
			var fromFile []string
			fromFile, err = parseSettingsFile(ctx, strings.TrimPrefix(setting, settingsFilePrefix))
			paramsSet = append(paramsSet, fromFile...)
		default:
			var paramPath string
			paramPath, err = parseSetting(ctx, setting)
			paramsSet = append(paramsSet, paramPath)
		}
		if err != nil {
			return nil, err
		}
	}
	return
}

func parseSettingsFile(ctx *context.Context, filePath string) ([]string, error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	var paramsSet []string
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lineParams, err := ParseContextSettings(ctx, line)
		if err != nil {
			return nil, errors.WithMessagef(err, "settings file %q", filePath)
		}
		paramsSet = append(paramsSet, lineParams...)
	}
	return paramsSet, nil
}

// parseSetting parses one "<param>=<value>" setting, and sets it in ctx.
func parseSetting(ctx *context.Context, setting string) (paramPath string, err error) {
	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return "", errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return "", errors.Errorf("can't set parameter %q: a scope was given, but it is not absolute (it must start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return "", errors.Errorf("can't set parameter %q: the param %q is not known in the root scope", paramPath, paramName)
	}
	value, err := parseValueLike(defaultValue, valueStr)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	if paramScope != "" {
		ctx = ctx.InAbsPath(paramScope)
	}
	ctx.SetParam(paramName, value)
	return paramPath, nil
}

// parseValueLike parses valueStr into the same type as defaultValue.
func parseValueLike(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](valueStr, true)
	case int32:
		return parseJSON[int32](valueStr, true)
	case int64:
		return parseJSON[int64](valueStr, true)
	case uint:
		return parseJSON[uint](valueStr, true)
	case uint32:
		return parseJSON[uint32](valueStr, true)
	case uint64:
		return parseJSON[uint64](valueStr, true)
	case float32:
		return parseJSON[float32](valueStr, false)
	case float64:
		return parseJSON[float64](valueStr, false)
	case bool:
		return parseJSON[bool](valueStr, false)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr, true)
	case []int64:
		return parseList[int64](valueStr, true)
	case []float64:
		return parseList[float64](valueStr, false)
	}
	return nil, errors.Errorf("don't know how to parse values of type %T", defaultValue)
}

// parseJSON parses one JSON value. If isInt, "_" separators are removed.
func parseJSON[T any](valueStr string, isInt bool) (value T, err error) {
	if isInt {
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	}
	err = json.Unmarshal([]byte(strings.TrimSpace(valueStr)), &value)
	return
}

// parseList parses a list of comma-separated JSON values.
func parseList[T any](valueStr string, isInt bool) ([]T, error) {
	if valueStr == "" {
		return []T{}, nil
	}
	parts := strings.Split(valueStr, ",")
	values := make([]T, len(parts))
	for ii, part := range parts {
		var err error
		if values[ii], err = parseJSON[T](part, isInt); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// CreateContextSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters defined in the root scope of `ctx`. See ParseContextSettings.
//
// The flag should be created before the call to `flag.Parse()`.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var usage strings.Builder
	_, _ = fmt.Fprintf(&usage,
		`Set context parameters defining the model and its training. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, with an absolute scope path using %q to separate scopes. `+
			`An entry like "file:settings_file.txt" reads the settings from the file, `+
			`with new-lines working as ";" and lines starting with "#" being comments. `+
			`Current available parameters that can be set:`,
		context.ScopeSeparator)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			_, _ = fmt.Fprintf(&usage, "\n%q: default value is %v", key, value)
		}
	})
	return flag.String(flagName, "", usage.String())
}

// SprintContextSettings pretty-prints the values of all hyperparameters, of all scopes.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", context.JoinScope(scope, key), value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints the values of the hyperparameters set by ParseContextSettings,
// sorted and without repetitions.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	var parts []string
	for _, paramPath := range sets.Sorted(sets.MakeWith(paramsSet...)) {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
