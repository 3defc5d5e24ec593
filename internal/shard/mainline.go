package shard

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/gantry-systems/gantry/internal/suite"
)

// mainlineParamPattern matches a trailing mainline parameter such as
// "[mod1.apex+mod2.apex]" where every dependency ends in .apk, .apex or
// .apks.
var mainlineParamPattern = regexp.MustCompile(`\[(.*(\.apk|\.apex|\.apks))\]$`)

// MalformedParameterError reports a module whose identifier does not
// carry a well-formed mainline parameter.
type MalformedParameterError struct {
	ModuleID string
}

// Error implements the error interface.
func (e *MalformedParameterError) Error() string {
	return fmt.Sprintf("module %s does not match the pattern for mainline modules, parameters must end in .apk, .apex or .apks", e.ModuleID)
}

// MainlineParam extracts the mainline dependency signature from a module
// identifier, for example "mod1.apex+mod2.apex" out of
// "module1[mod1.apex+mod2.apex]".
func MainlineParam(id string) (string, error) {
	m := mainlineParamPattern.FindStringSubmatch(id)
	if m == nil {
		return "", &MalformedParameterError{ModuleID: id}
	}
	return m[1], nil
}

// ReorderMainlineModules stably reorders units in place so modules that
// install the same mainline dependencies run back to back, with smaller
// dependency sets ahead of the supersets extending them. Every unit must
// carry a well-formed parameter; a malformed identifier fails the
// reorder before any unit moves.
func ReorderMainlineModules(units []suite.Unit) error {
	type keyed struct {
		param string
		unit  suite.Unit
	}
	ks := make([]keyed, len(units))
	for i, u := range units {
		param, err := MainlineParam(u.ID())
		if err != nil {
			return err
		}
		ks[i] = keyed{param: param, unit: u}
	}
	sort.SliceStable(ks, func(i, j int) bool { return ks[i].param < ks[j].param })
	for i := range ks {
		units[i] = ks[i].unit
	}
	return nil
}
