package consensus

// criticalField pairs a field name with a typed accessor. Agreement is
// checked over this fixed table rather than string-path reflection, so a
// renamed field fails at compile time instead of silently passing.
type criticalField struct {
	name   string
	access func(GameState) any
}

// criticalFields are the fields that must agree across sources for a
// CONFIRMED decision.
var criticalFields = []criticalField{
	{name: "home_score", access: func(s GameState) any { return s.HomeScore }},
	{name: "away_score", access: func(s GameState) any { return s.AwayScore }},
	{name: "is_final", access: func(s GameState) any { return s.IsFinal }},
}

// fieldAgreement is the result of cross-source agreement analysis.
type fieldAgreement struct {
	// disagreeingFields names every critical field on which at least one
	// source differs from the majority, in table order.
	disagreeingFields []string
	// disagreeingSources marks sources holding a non-majority value on
	// any field.
	disagreeingSources map[string]bool
}

func (a fieldAgreement) allAgree() bool { return len(a.disagreeingFields) == 0 }

// analyzeAgreement compares each critical field across all observations.
// If every source reports the same value the field agrees; otherwise the
// majority value is computed and sources holding a different value are
// marked as disagreeing. Source marks are unioned across fields.
func analyzeAgreement(observations []SourceObservation) fieldAgreement {
	agreement := fieldAgreement{
		disagreeingSources: make(map[string]bool),
	}

	for _, field := range criticalFields {
		counts := make(map[any]int)
		for _, obs := range observations {
			counts[field.access(obs.State)]++
		}
		if len(counts) <= 1 {
			continue
		}

		agreement.disagreeingFields = append(agreement.disagreeingFields, field.name)

		// Pick the majority value by walking observations in order, so
		// ties resolve deterministically to the earliest source's value.
		var majority any
		best := -1
		for _, obs := range observations {
			value := field.access(obs.State)
			if counts[value] > best {
				majority = value
				best = counts[value]
			}
		}
		for _, obs := range observations {
			if field.access(obs.State) != majority {
				agreement.disagreeingSources[obs.SourceID] = true
			}
		}
	}
	return agreement
}
