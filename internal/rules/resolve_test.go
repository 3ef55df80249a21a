package rules

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

// Fixture product and parameter types used across tests.
type sourceFiles struct{ paths []string }
type platform struct{ name string }
type jdkVersion struct{ version string }
type compiledClasses struct{ digest string }
type testResult struct{ passed bool }

var (
	tSourceFiles      = reflect.TypeOf(sourceFiles{})
	tPlatform         = reflect.TypeOf(platform{})
	tJDKVersion       = reflect.TypeOf(jdkVersion{})
	tCompiledClasses  = reflect.TypeOf(compiledClasses{})
	tTestResult       = reflect.TypeOf(testResult{})
)

func noopRun(ctx context.Context, rc *RuleContext) (any, error) { return nil, nil }

func TestResolveSimpleChain(t *testing.T) {
	compile := &Rule{
		Name:    "compile",
		Product: tCompiledClasses,
		Params:  []reflect.Type{tSourceFiles, tPlatform},
		Run:     noopRun,
	}
	runTests := &Rule{
		Name:    "run_tests",
		Product: tTestResult,
		Params:  []reflect.Type{tSourceFiles},
		Gets:    []GetSpec{{Product: tCompiledClasses, AdditionalParams: []reflect.Type{tPlatform}}},
		Run:     noopRun,
	}
	reg, err := NewRegistry(compile, runTests)
	require.NoError(t, err)

	table, err := Resolve(reg, []Demand{{Product: tTestResult, Params: []reflect.Type{tSourceFiles, tPlatform}}})
	require.NoError(t, err)

	roots := table.Roots()
	require.Len(t, roots, 1)
	root := roots[0]
	require.Equal(t, "run_tests", root.RuleName)

	bindings := table.BindingsFor(root)
	require.Len(t, bindings, 1)
	require.Equal(t, "compile", bindings[0].Target.RuleName)
}

func TestResolveMostSpecificWins(t *testing.T) {
	generic := &Rule{Name: "compile_generic", Product: tCompiledClasses, Params: []reflect.Type{tSourceFiles}, Run: noopRun}
	specific := &Rule{Name: "compile_with_jdk", Product: tCompiledClasses, Params: []reflect.Type{tSourceFiles, tJDKVersion}, Run: noopRun}
	reg, err := NewRegistry(generic, specific)
	require.NoError(t, err)

	table, err := Resolve(reg, []Demand{{Product: tCompiledClasses, Params: []reflect.Type{tSourceFiles, tJDKVersion}}})
	require.NoError(t, err)
	roots := table.Roots()
	require.Len(t, roots, 1)
	require.Equal(t, "compile_with_jdk", roots[0].RuleName)
}

func TestResolveNoRule(t *testing.T) {
	needsJDK := &Rule{Name: "compile_with_jdk", Product: tCompiledClasses, Params: []reflect.Type{tSourceFiles, tJDKVersion}, Run: noopRun}
	reg, err := NewRegistry(needsJDK)
	require.NoError(t, err)

	_, err = Resolve(reg, []Demand{{Product: tCompiledClasses, Params: []reflect.Type{tSourceFiles}}})
	require.Error(t, err)
	var noRule *NoRuleError
	require.ErrorAs(t, err, &noRule)
	require.Equal(t, tCompiledClasses, noRule.Product)
}

func TestResolveAmbiguous(t *testing.T) {
	a := &Rule{Name: "compile_a", Product: tCompiledClasses, Params: []reflect.Type{tSourceFiles}, Run: noopRun}
	b := &Rule{Name: "compile_b", Product: tCompiledClasses, Params: []reflect.Type{tSourceFiles}, Run: noopRun}
	reg, err := NewRegistry(a, b)
	require.NoError(t, err)

	_, err = Resolve(reg, []Demand{{Product: tCompiledClasses, Params: []reflect.Type{tSourceFiles}}})
	require.Error(t, err)
	var ambiguous *AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	require.ElementsMatch(t, []string{"compile_a", "compile_b"}, ambiguous.Candidates)
}

func TestResolveCycleDetected(t *testing.T) {
	a := &Rule{Name: "a", Product: tCompiledClasses, Params: nil, Run: noopRun}
	b := &Rule{Name: "b", Product: tTestResult, Params: nil, Run: noopRun}
	a.Gets = []GetSpec{{Product: tTestResult}}
	b.Gets = []GetSpec{{Product: tCompiledClasses}}
	reg, err := NewRegistry(a, b)
	require.NoError(t, err)

	_, err = Resolve(reg, []Demand{{Product: tCompiledClasses}})
	require.Error(t, err)
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	a := &Rule{Name: "dup", Product: tCompiledClasses, Run: noopRun}
	b := &Rule{Name: "dup", Product: tTestResult, Run: noopRun}
	_, err := NewRegistry(a, b)
	require.Error(t, err)
}
