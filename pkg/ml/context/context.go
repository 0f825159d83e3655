/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package context defines the Context and Variable types: Context organizes the model's variables
// and hyperparameters in scopes, and the variable values live in a Store shared by all replicas.
package context

import (
	"encoding"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/towers/internal/scoped"
	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/gomlx/towers/pkg/core/shapes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Context organizes information shared by the model, the replicas running it and the training loop.
//
// The Context organizes 2 types of information:
//
//  1. Variables: model variables (weights), optimizer slots, moving averages and the global step.
//     Their values are stored in the Context's Store, a generation-versioned arena of tensors: all
//     replicas of a training step read the same generation, and the update engine publishes a new
//     one after each step.
//  2. Parameters: hyperparameters and also any arbitrary information that
//     needs sharing among the model building functions using the Context.
//
// Both are organized in "scopes". The Context object is actually a thin wrapper that
// contains the current scope (similar to a current directory) and a link to the actual data. One can change
// scopes by using Context.In("new_scope"): it returns a new Context with the new scope set, but still pointing
// (sharing) all the data with the previous Context. E.g:
//
//	func main() {
//		ctx := context.New()
//		ctx.SetParam("learning_rate", 0.1)
//		...
//	}
//
//	func BuildModel(ctx *context.Context) {
//		ctx := ctx.In("logits")  // Enter "logits" scope in temporary new context (same data, different scope)
//		weights := ctx.VariableWithShape("weights", shapes.Make(dtypes.Float64, 128, 10))
//		...
//	}
//
// Variable duplicate creation checking:
// the context is by default configured with Context.Checked(true), which checks at every variable creation whether
// the variable already exists. Variable creation (with Context.VariableWithShape and Context.VariableWithValue)
// will panic if:
//
// - Context.Unique() (the default) and variable already exists;
// - Context.Reuse() and variable didn't exist;
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// reuse of variables, if set to true.
	reuse bool

	// checked access to variables: whether to check for reuse if variable is new or not. If set
	// to false it makes reuse irrelevant.
	checked bool

	// initializer is used to initialize variable values for a given shape.
	initializer VariableInitializer

	// data, where "data" component content is stored.
	data *contextData
}

// VariableInitializer builds the initial value of a variable of the given shape.
type VariableInitializer func(shape shapes.Shape) *tensors.Tensor

// scopedVariableMap name to variable within a scope.
type scopedVariableMap map[string]*Variable

// contextData stores all context information and is shared among various Context, which
// serve only as scoped references.
type contextData struct {
	// params holds a model's building (hyper)parameters. Context
	// is agnostic about the semantics here, hence it's a scoped map of scope+key (both strings)
	// to any type of which Context has no knowledge. These values are interpreted by
	// the various model components independently.
	params *scoped.Params

	// store holds the values of all variables.
	store *Store

	mu sync.RWMutex

	// variablesMap for this context organized per scope.
	variablesMap map[string]scopedVariableMap

	// variables in creation order.
	variables []*Variable
}

const (
	// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
	ScopeSeparator = "/"

	// RootScope is the scope at the very root.
	RootScope = ScopeSeparator
)

// New returns an empty context, with the scope set to the root scope.
func New() *Context {
	return &Context{
		scope:       RootScope,
		checked:     true,
		initializer: zerosInitializer,
		data: &contextData{
			params:       scoped.New(ScopeSeparator),
			store:        NewStore(),
			variablesMap: make(map[string]scopedVariableMap),
		},
	}
}

func zerosInitializer(shape shapes.Shape) *tensors.Tensor { return tensors.FromShape(shape) }

// copy creates a copy of the Context, but sharing the same "data" component.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// JoinScope and name into a single string.
// If scope is empty, name is returned.
// See also SplitScope.
func JoinScope(scope, name string) string {
	if strings.HasSuffix(scope, ScopeSeparator) {
		return scope + name
	}
	if scope == "" {
		return name
	}
	return fmt.Sprintf("%s%s%s", scope, ScopeSeparator, name)
}

// SplitScope splits the scope from the name for a combined string, typically created by JoinScope.
// If there is no scope configured, scope is set to "".
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	separationIdx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[separationIdx+1:]
	if separationIdx == 0 {
		scope = RootScope
	} else {
		scope = scopeAndName[:separationIdx]
	}
	return
}

// InScope returns whether the parameterName (a scope+name, see JoinScope) is within the given
// scope prefix. Matching respects scope boundaries: "/cnn/features" matches "/cnn/features/conv_0/weights",
// but not "/cnn/features_extra/weights". The root scope matches everything.
//
// A scopePrefix without a leading separator is taken as absolute.
func InScope(parameterName, scopePrefix string) bool {
	scopePrefix = NormalizeScope(scopePrefix)
	if scopePrefix == RootScope {
		return true
	}
	if !strings.HasPrefix(parameterName, scopePrefix) {
		return false
	}
	rest := parameterName[len(scopePrefix):]
	return rest == "" || strings.HasPrefix(rest, ScopeSeparator)
}

// NormalizeScope returns the scope with a leading separator and without a trailing one (except for the root).
func NormalizeScope(scope string) string {
	if !strings.HasPrefix(scope, ScopeSeparator) {
		scope = ScopeSeparator + scope
	}
	if len(scope) > 1 {
		scope = strings.TrimSuffix(scope, ScopeSeparator)
	}
	return scope
}

// Scope returns the full scope path.
//
// Notice that Scope is part of the "reference" component of a Context.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// EscapeScopeName replaces ScopeSeparator in the string and replaces them by "_".
func EscapeScopeName(scopeName string) string {
	return strings.ReplaceAll(scopeName, ScopeSeparator, "_")
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
//
// Notice that Scope is part of the "reference" component of a Context.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// Inf returns a new reference to the Context with the extra given scope.
// The name of the new scope is given as a format + args, which are passed to fmt.Sprintf.
func (ctx *Context) Inf(format string, args ...any) *Context {
	return ctx.In(fmt.Sprintf(format, args...))
}

// InAbsPath returns a new reference to the Context with the extra given scope. It should start and have each element
// separated by ScopeSeparator. Use RootScope for the root scope.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// Reuse returns a new reference to the Context set to reuse of variables.
// If checked is false, this setting is irrelevant.
func (ctx *Context) Reuse() *Context {
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// Unique returns a new reference to the Context, set to only allow new variables.
// If checked is false, this setting is irrelevant.
func (ctx *Context) Unique() *Context {
	if !ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = false
	return ctx2
}

// IsReuse returns whether Context is marked for reuse. This is irrelevant if IsChecked is false.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked returns a new context with the checked flag set accordingly.
// If checked is true checks for reuse/uniqueness are checked according to IsReuse().
// If checked is false Variables are dynamically reused or created when needed, without any checks.
// Usually it is set to true when building models and set to false for supporting variables
// (like optimizers slots and moving averages).
func (ctx *Context) Checked(checked bool) *Context {
	if ctx.checked == checked {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.checked = checked
	return ctx2
}

// IsChecked returns whether context is checking reuse rules.
func (ctx *Context) IsChecked() bool { return ctx.checked }

// WithInitializer returns a new reference to the Context, with the initializer set.
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		exceptions.Panicf("Context.WithInitializer passed a nil initializer")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
//
// E.g: if current scope is "/a/b", it will search for the key in "/a/b" scope, then
// in "/a" and finally in "/", and return the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// MustGetParam is like GetParam, but panics if the parameter is not found, or if it is not of type T.
//
// It tries to cast the value to the given type. If it fails, it tries to convert the
// value to the given type (so an `int` will be converted to a `float64` transparently).
// If that also fails, an explaining exception is thrown.
func MustGetParam[T any](ctx *Context, key string) T {
	var t T
	valueAny, found := ctx.GetParam(key)
	if !found {
		exceptions.Panicf("parameter %q (of type %T) not found in scope %q (and its parents)", key, t, ctx.Scope())
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(t)
	valueT := reflect.New(typeOfT)
	if valueT.Type().Implements(textUnmarshalerType) && v.Kind() == reflect.String {
		if err := valueT.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
			exceptions.Panicf("can't UnmarshalText %s to %s", v.String(), typeOfT.String())
		}
		return valueT.Elem().Interface().(T)
	}
	if v.Kind() == reflect.Slice && typeOfT.Kind() == reflect.Slice {
		// E.g.: []any (decoded from JSON) to []int.
		out := reflect.MakeSlice(typeOfT, v.Len(), v.Len())
		for ii := range v.Len() {
			elem := v.Index(ii)
			if elem.Kind() == reflect.Interface {
				elem = elem.Elem()
			}
			if !elem.CanConvert(typeOfT.Elem()) {
				exceptions.Panicf("GetParamOr[%T](ctx, %q): element %d (%v) cannot be converted to %s",
					t, key, ii, elem, typeOfT.Elem())
			}
			out.Index(ii).Set(elem.Convert(typeOfT.Elem()))
		}
		return out.Interface().(T)
	}
	if !v.CanConvert(typeOfT) {
		exceptions.Panicf("MustGetParam/GetParamOr[%T](ctx, %q): ctx(scope=%q)[%q]=(%T) %#v, and cannot be converted to %T",
			t, key, ctx.Scope(), key, valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found or the key is set to nil, it returns the given default value.
//
// It's a convenience method around `ctx.GetParam`, and converts values the same way as MustGetParam.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	return MustGetParam[T](ctx, key)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
//
// Note: the scoped parameters of the context are saved in `checkpoints` package using
// Json encoding. This works well for `string`, `float64` and `int` and slices of those values,
// but other types may not be recovered correctly later.
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// SetParams sets a collection of parameters in the current scope.
//
// This is a shortcut to multiple calls to `Context.SetParam` and the same observations apply.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.data.params.Set(ctx.scope, key, value)
	}
}

// EnumerateParams enumerates all parameters for all scopes calls fn with their values.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// Store returns the Store holding the values of the context's variables.
func (ctx *Context) Store() *Store {
	return ctx.data.store
}

// GetVariableByScopeAndName returns the variable with the given name for inspection. It returns nil if a variable
// with the given name hasn't been created.
//
// It is not affected by [Context.Reuse] checks.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	ctx.data.mu.RLock()
	defer ctx.data.mu.RUnlock()
	return ctx.data.variablesMap[scope][name]
}

// GetVariable returns the variable in the current context scope.
//
// It is not affected by [Context.Reuse] checks.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.Scope(), name)
}

// GetVariableByParameterName returns the variable with the given parameter name (scope+name, see JoinScope),
// or nil if it doesn't exist.
func (ctx *Context) GetVariableByParameterName(parameterName string) *Variable {
	scope, name := SplitScope(parameterName)
	return ctx.GetVariableByScopeAndName(scope, name)
}

// VariableWithShape creates or returns an existing variable with the given shape in the current scope.
// New variables are initialized with the context initializer (see WithInitializer), zeros by default.
//
// If Context is set with Context.Checked(true), this may panic if:
//
// - Context.Unique() and variable already exists;
// - Context.Reuse() and variable didn't exist;
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	v := ctx.checkReuse(name)
	if v != nil {
		if !shape.Equal(v.shape) {
			exceptions.Panicf("requested to reuse variable %q in scope %q, but with different shape from original: "+
				"previous shape=%s, requested shape=%s", name, ctx.scope, v.shape, shape)
		}
		return v
	}
	value := ctx.initializer(shape)
	if !value.Shape().Equal(shape) {
		exceptions.Panicf("initializer for variable %q in scope %q returned shape %s, wanted %s",
			name, ctx.scope, value.Shape(), shape)
	}
	return ctx.newVariable(name, value)
}

// VariableWithValue creates or returns a variable initialized with the given value in the current scope.
// If the variable already exists, its value is not overwritten.
//
// The value can be a *tensors.Tensor or a Go scalar (float32, float64, int, int64).
// By default, variables are marked as trainable.
func (ctx *Context) VariableWithValue(name string, defaultValue any) *Variable {
	valueT, err := valueToTensor(defaultValue)
	if err != nil {
		panic(errors.WithMessagef(err, "failed to parse defaultValue %v for variable %q in scope %q",
			defaultValue, name, ctx.scope))
	}
	v := ctx.checkReuse(name)
	if v != nil {
		if !valueT.Shape().Equal(v.shape) {
			exceptions.Panicf("requested to reuse variable %q in scope %q, but with defaultValue with different shape "+
				"from original: previous shape=%s, requested defaultValue shape=%s", name, ctx.scope, v.shape, valueT.Shape())
		}
		return v
	}
	return ctx.newVariable(name, valueT)
}

// checkReuse returns the existing variable (or nil), enforcing the Reuse/Unique checks.
func (ctx *Context) checkReuse(name string) *Variable {
	v := ctx.GetVariable(name)
	if ctx.checked && ctx.reuse && v == nil {
		exceptions.Panicf("requested variable %q in scope %q with Context.Reuse set, but variable does not exist",
			name, ctx.scope)
	}
	if ctx.checked && !ctx.reuse && v != nil {
		exceptions.Panicf("variable %q for scope %q already exists -- if this was deliberate, use Context.Reuse() "+
			"or Context.Checked(false)", name, ctx.scope)
	}
	return v
}

// newVariable registers the variable and publishes its initial value in the store.
func (ctx *Context) newVariable(name string, value *tensors.Tensor) *Variable {
	v := &Variable{
		store:     ctx.data.store,
		name:      name,
		scope:     ctx.scope,
		shape:     value.Shape().Clone(),
		Trainable: value.DType().IsFloat(),
	}
	ctx.data.mu.Lock()
	scopeVars, found := ctx.data.variablesMap[ctx.scope]
	if !found {
		scopeVars = make(scopedVariableMap)
		ctx.data.variablesMap[ctx.scope] = scopeVars
	}
	scopeVars[name] = v
	ctx.data.variables = append(ctx.data.variables, v)
	ctx.data.mu.Unlock()

	_, err := ctx.data.store.Update(func(tx *Tx) error {
		return tx.Declare(v.ParameterName(), value)
	})
	if err != nil {
		panic(err)
	}
	return v
}

func valueToTensor(value any) (*tensors.Tensor, error) {
	switch v := value.(type) {
	case *tensors.Tensor:
		return v, nil
	case float64:
		return tensors.FromScalar(v), nil
	case float32:
		return tensors.FromScalar(v), nil
	case int64:
		return tensors.FromScalar(v), nil
	case int:
		return tensors.FromScalar(int64(v)), nil
	case int32:
		return tensors.FromScalar(v), nil
	default:
		return nil, errors.Errorf("unsupported variable value type %T", value)
	}
}

// IterVariables iterates over all variables, in creation order.
func (ctx *Context) IterVariables() iter.Seq[*Variable] {
	ctx.data.mu.RLock()
	variables := slices.Clone(ctx.data.variables)
	ctx.data.mu.RUnlock()
	return slices.Values(variables)
}

// IterVariablesInScope iterates over all variables in the current scope and its sub-scopes, in creation order.
func (ctx *Context) IterVariablesInScope() iter.Seq[*Variable] {
	return func(yield func(*Variable) bool) {
		for v := range ctx.IterVariables() {
			if !InScope(v.ParameterName(), ctx.scope) {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// TrainableVariables returns all trainable variables, in creation order.
func (ctx *Context) TrainableVariables() []*Variable {
	var trainable []*Variable
	for v := range ctx.IterVariables() {
		if v.Trainable {
			trainable = append(trainable, v)
		}
	}
	return trainable
}

// NumVariables return the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	ctx.data.mu.RLock()
	defer ctx.data.mu.RUnlock()
	return len(ctx.data.variables)
}

// NumParameters returns the summed-up number of all variables.
// It ignores the `DType`, so a `float64` will count as much as a `uint8`.
func (ctx *Context) NumParameters() int {
	total := 0
	for v := range ctx.IterVariables() {
		total += v.Shape().Size()
	}
	return total
}

// Memory returns the total number of bytes summed across all variables.
func (ctx *Context) Memory() uintptr {
	total := uintptr(0)
	for v := range ctx.IterVariables() {
		total += v.Shape().Memory()
	}
	return total
}

// View returns a per-device view of the variables' store. See Store.View.
func (ctx *Context) View(device distributed.DeviceNum) *View {
	return ctx.data.store.View(device)
}
