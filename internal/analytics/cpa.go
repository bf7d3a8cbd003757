/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package analytics

import (
	"github.com/apexplay/datasync/internal/config"
)

// CPAInputs are the per-user measurements the qualification rules test
// against. All values are for the analytics window being generated.
type CPAInputs struct {
	TotalDeposits float64
	BetCount      float64
	TotalBets     float64
	DaysActive    float64
}

// value returns the measurement a criterion type refers to.
func (in CPAInputs) value(criterionType string) (float64, bool) {
	switch criterionType {
	case config.CPACriterionDeposits:
		return in.TotalDeposits, true
	case config.CPACriterionBetCount:
		return in.BetCount, true
	case config.CPACriterionTotalBets:
		return in.TotalBets, true
	case config.CPACriterionDaysActive:
		return in.DaysActive, true
	default:
		return 0, false
	}
}

// QualifiesForCPA evaluates the rule set against the inputs. Criteria compare
// as measurement >= threshold; disabled criteria are skipped. A group with no
// enabled criteria is vacuously satisfied; a rule set with no groups never
// qualifies.
func QualifiesForCPA(rules config.CPAValidationRules, in CPAInputs) bool {
	if len(rules.Groups) == 0 {
		return false
	}

	groupsOr := rules.GroupOperator == config.OperatorOr
	result := !groupsOr
	for _, g := range rules.Groups {
		ok := evalGroup(g, in)
		if groupsOr {
			result = result || ok
		} else {
			result = result && ok
		}
	}
	return result
}

func evalGroup(g config.CPARuleGroup, in CPAInputs) bool {
	criteriaOr := g.Operator == config.OperatorOr
	seen := false
	result := !criteriaOr
	for _, c := range g.Criteria {
		if !c.Enabled {
			continue
		}
		seen = true
		v, known := in.value(c.Type)
		ok := known && v >= c.Value
		if criteriaOr {
			result = result || ok
		} else {
			result = result && ok
		}
	}
	if !seen {
		return true
	}
	return result
}
