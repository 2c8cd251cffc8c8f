package resource

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/pkg/ingest"
	"github.com/globaldothealth/fhirflat/pkg/schema"
)

var (
	sharedProvider     *schema.Provider
	sharedProviderOnce sync.Once
	errSharedProvider  error
)

func newResource(t *testing.T, resourceType string, opts ...fhirflat.Option) *Resource {
	t.Helper()
	sharedProviderOnce.Do(func() {
		sharedProvider, errSharedProvider = schema.NewDefault()
	})
	require.NoError(t, errSharedProvider)
	r, err := New(resourceType, sharedProvider, opts...)
	require.NoError(t, err)
	return r
}

// normalise round-trips v through JSON so float64 and json.Number compare equal.
func normalise(t *testing.T, v any) any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

const snomed = "http://snomed.info/sct"

func encounterInput() map[string]any {
	return map[string]any{
		"resourceType": "Encounter",
		"id":           "f203",
		"identifier":   []any{map[string]any{"use": "temp", "value": "Encounter_Roel_20130311"}},
		"status":       "completed",
		"extension": []any{
			map[string]any{"url": "timingPhase", "valueCodeableConcept": map[string]any{"coding": []any{
				map[string]any{"system": snomed, "code": 278307001.0, "display": "on admission"},
			}}},
			map[string]any{"url": "relativePeriod", "extension": []any{
				map[string]any{"url": "relativeStart", "valueInteger": 2.0},
				map[string]any{"url": "relativeEnd", "valueInteger": 5.0},
			}},
		},
		"class": []any{map[string]any{"coding": []any{map[string]any{
			"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode", "code": "IMP", "display": "inpatient encounter",
		}}}},
		"priority": map[string]any{"coding": []any{map[string]any{
			"system": snomed, "code": "394849002", "display": "High priority",
		}}},
		"subject":         map[string]any{"reference": "Patient/f201", "display": "Roel"},
		"episodeOfCare":   []any{map[string]any{"reference": "EpisodeOfCare/example"}},
		"basedOn":         []any{map[string]any{"reference": "ServiceRequest/myringotomy"}},
		"partOf":          map[string]any{"reference": "Encounter/f203"},
		"serviceProvider": map[string]any{"reference": "Organization/2"},
		"participant": []any{map[string]any{
			"actor": map[string]any{"reference": "Practitioner/f201"},
		}},
		"appointment":  []any{map[string]any{"reference": "Appointment/example"}},
		"actualPeriod": map[string]any{"start": "2013-03-11", "end": "2013-03-20"},
		"reason": []any{map[string]any{"value": []any{map[string]any{
			"concept": map[string]any{"text": "bilateral pneumonia"},
		}}}},
		"account": []any{map[string]any{"reference": "Account/example"}},
		"dietPreference": []any{map[string]any{"coding": []any{map[string]any{
			"system": snomed, "code": "276026009", "display": "Fluid balance regulation",
		}}}},
		"admission": map[string]any{
			"origin": map[string]any{"reference": "Location/2"},
			"admitSource": map[string]any{"coding": []any{map[string]any{
				"system": snomed, "code": "309902002", "display": "Clinical Oncology Department",
			}}},
			"reAdmission": map[string]any{"coding": []any{map[string]any{"display": "readmitted"}}},
			"destination": map[string]any{"reference": "Location/2"},
		},
	}
}

var encounterFlat = fhirflat.FlatRow{
	"resourceType":                           "Encounter",
	"id":                                     "f203",
	"extension.timingPhase.code":             []any{snomed + "|278307001"},
	"extension.timingPhase.text":             []any{"on admission"},
	"extension.relativePeriod.relativeStart": 2.0,
	"extension.relativePeriod.relativeEnd":   5.0,
	"class.code":                             []any{"http://terminology.hl7.org/CodeSystem/v3-ActCode|IMP"},
	"class.text":                             []any{"inpatient encounter"},
	"priority.code":                          []any{snomed + "|394849002"},
	"priority.text":                          []any{"High priority"},
	"subject":                                "Patient/f201",
	"episodeOfCare":                          "EpisodeOfCare/example",
	"basedOn":                                "ServiceRequest/myringotomy",
	"partOf":                                 "Encounter/f203",
	"serviceProvider":                        "Organization/2",
	"actualPeriod.start":                     "2013-03-11",
	"actualPeriod.end":                       "2013-03-20",
	"reason.value.concept.text":              "bilateral pneumonia",
	"admission.origin":                       "Location/2",
	"admission.admitSource.code":             []any{snomed + "|309902002"},
	"admission.admitSource.text":             []any{"Clinical Oncology Department"},
	"admission.reAdmission.code":             []any{""},
	"admission.reAdmission.text":             []any{"readmitted"},
	"admission.destination":                  "Location/2",
}

func TestToFlat_Encounter(t *testing.T) {
	r := newResource(t, "Encounter")

	row, err := r.ToFlat(encounterInput())
	require.NoError(t, err)
	assert.Equal(t, encounterFlat, row)
}

func TestToFlat_WrongType(t *testing.T) {
	r := newResource(t, "Encounter")

	_, err := r.ToFlat(map[string]any{"resourceType": "Patient"})
	var mismatch *fhirflat.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "resourceType", mismatch.Path)
}

func TestFromFlat_Encounter(t *testing.T) {
	r := newResource(t, "Encounter")

	got, err := r.FromFlat(encounterFlat)
	require.NoError(t, err)

	want := map[string]any{
		"resourceType": "Encounter",
		"id":           "f203",
		"status":       "completed",
		"extension": []any{
			map[string]any{"url": "relativePeriod", "extension": []any{
				map[string]any{"url": "relativeStart", "valueInteger": 2},
				map[string]any{"url": "relativeEnd", "valueInteger": 5},
			}},
			map[string]any{"url": "timingPhase", "valueCodeableConcept": map[string]any{"coding": []any{
				map[string]any{"system": snomed, "code": "278307001", "display": "on admission"},
			}}},
		},
		"class": []any{map[string]any{"coding": []any{map[string]any{
			"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode", "code": "IMP", "display": "inpatient encounter",
		}}}},
		"priority": map[string]any{"coding": []any{map[string]any{
			"system": snomed, "code": "394849002", "display": "High priority",
		}}},
		"subject":         map[string]any{"reference": "Patient/f201"},
		"episodeOfCare":   []any{map[string]any{"reference": "EpisodeOfCare/example"}},
		"basedOn":         []any{map[string]any{"reference": "ServiceRequest/myringotomy"}},
		"partOf":          map[string]any{"reference": "Encounter/f203"},
		"serviceProvider": map[string]any{"reference": "Organization/2"},
		"actualPeriod":    map[string]any{"start": "2013-03-11", "end": "2013-03-20"},
		"reason": []any{map[string]any{"value": []any{map[string]any{
			"concept": map[string]any{"text": "bilateral pneumonia"},
		}}}},
		"admission": map[string]any{
			"origin": map[string]any{"reference": "Location/2"},
			"admitSource": map[string]any{"coding": []any{map[string]any{
				"system": snomed, "code": "309902002", "display": "Clinical Oncology Department",
			}}},
			"reAdmission": map[string]any{"coding": []any{map[string]any{"display": "readmitted"}}},
			"destination": map[string]any{"reference": "Location/2"},
		},
	}
	assert.Equal(t, normalise(t, want), normalise(t, got))
}

func TestFromFlat_Invalid(t *testing.T) {
	r := newResource(t, "Encounter")

	row := encounterFlat.Clone()
	row["actualPeriod.start"] = "11/03/2013"

	got, err := r.FromFlat(row)
	assert.True(t, fhirflat.IsValidationError(err))
	assert.NotNil(t, got)
}

func TestCondition_Defaults(t *testing.T) {
	r := newResource(t, "Condition")

	record := map[string]any{
		"resourceType": "Condition",
		"clinicalStatus": map[string]any{"coding": []any{map[string]any{
			"system": "http://terminology.hl7.org/CodeSystem/condition-clinical", "code": "unknown",
		}}},
		"code": map[string]any{"coding": []any{map[string]any{
			"system": snomed, "code": "38362002", "display": "Dengue",
		}}},
		"subject":       map[string]any{"reference": "Patient/2"},
		"onsetDateTime": "2021-04-01",
	}

	row, err := r.ToFlat(record)
	require.NoError(t, err)
	assert.Equal(t, fhirflat.FlatRow{
		"resourceType":  "Condition",
		"code.code":     []any{snomed + "|38362002"},
		"code.text":     []any{"Dengue"},
		"subject":       "Patient/2",
		"onsetDateTime": "2021-04-01",
	}, row)

	got, err := r.FromFlat(row)
	require.NoError(t, err)
	assert.Equal(t, normalise(t, record), normalise(t, got))
}

func TestPatient_Cleanup(t *testing.T) {
	r := newResource(t, "Patient")

	got, err := r.FromFlat(fhirflat.FlatRow{
		"resourceType":    "Patient",
		"id":              1.0,
		"gender":          "male",
		"deceasedBoolean": false,
		"birthDate":       "1996-05-30T00:00:00",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"resourceType":    "Patient",
		"id":              "1",
		"gender":          "male",
		"deceasedBoolean": false,
		"birthDate":       "1996-05-30",
	}, got)

	row, err := r.ToFlat(map[string]any{
		"resourceType": "Patient",
		"id":           "f001",
		"active":       true,
		"name":         []any{map[string]any{"text": "Micky Mouse"}},
		"gender":       "male",
		"address":      []any{map[string]any{"country": "Switzerland"}},
		"birthDate":    "1996-05-30",
	})
	require.NoError(t, err)
	assert.Equal(t, fhirflat.FlatRow{
		"resourceType": "Patient",
		"id":           "f001",
		"gender":       "male",
		"birthDate":    "1996-05-30",
	}, row)
}

func TestObservation_QuantityCodeNotWrapped(t *testing.T) {
	r := newResource(t, "Observation")

	row := fhirflat.FlatRow{
		"code.code":                  "http://loinc.org|8310-5",
		"code.text":                  "Body temperature",
		"valueQuantity.value":        37.2,
		"valueQuantity.unit":         "C",
		"valueQuantity.code":         "http://unitsofmeasure.org|Cel",
		"subject":                    "Patient/2",
		"effectiveDateTime":          "2021-04-01",
		"category.code":              "http://terminology.hl7.org/CodeSystem/observation-category|vital-signs",
		"extension.timingPhase.code": snomed + "|278307001",
		"extension.timingPhase.text": "On admission (qualifier value)",
	}
	r.wrapCodings(row)

	assert.Equal(t, "http://unitsofmeasure.org|Cel", row["valueQuantity.code"])
	assert.Equal(t, []any{"http://loinc.org|8310-5"}, row["code.code"])
	assert.Equal(t, []any{"Body temperature"}, row["code.text"])
	assert.Equal(t, []any{snomed + "|278307001"}, row["extension.timingPhase.code"])
	assert.Equal(t, "Patient/2", row["subject"])
}

func TestObservation_RoundTrip(t *testing.T) {
	r := newResource(t, "Observation")

	record := map[string]any{
		"resourceType": "Observation",
		"status":       "final",
		"category": []any{map[string]any{"coding": []any{map[string]any{
			"system": "http://terminology.hl7.org/CodeSystem/observation-category", "code": "vital-signs", "display": "Vital Signs",
		}}}},
		"code": map[string]any{"coding": []any{map[string]any{
			"system": "http://loinc.org", "code": "8310-5", "display": "Body temperature",
		}}},
		"subject":           map[string]any{"reference": "Patient/2"},
		"effectiveDateTime": "2021-04-01",
		"valueQuantity": map[string]any{
			"value": 37.2, "unit": "C", "system": "http://unitsofmeasure.org", "code": "Cel",
		},
	}

	row, err := r.ToFlat(record)
	require.NoError(t, err)
	assert.NotContains(t, row, "status")
	assert.Equal(t, "http://unitsofmeasure.org|Cel", row["valueQuantity.code"])

	got, err := r.FromFlat(row)
	require.NoError(t, err)
	assert.Equal(t, normalise(t, record), normalise(t, got))
}

func TestFromFlatBatch(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		r := newResource(t, "Encounter", fhirflat.WithParallel(parallel), fhirflat.WithWorkerCount(2))

		bad := encounterFlat.Clone()
		bad["actualPeriod.start"] = "11/03/2013"
		unknown := fhirflat.FlatRow{"resourceType": "Encounter", "notAField": "x"}

		res := r.FromFlatBatch(context.Background(), []fhirflat.FlatRow{encounterFlat, bad, encounterFlat, unknown})

		assert.False(t, res.OK())
		assert.Equal(t, []int{0, 2}, res.Indexes)
		require.Len(t, res.Errors, 2)
		assert.Equal(t, 1, res.Errors[0].Index)
		assert.True(t, fhirflat.IsValidationError(res.Errors[0]))
		assert.Equal(t, 3, res.Errors[1].Index)
		var mismatch *fhirflat.SchemaMismatchError
		assert.ErrorAs(t, res.Errors[1], &mismatch)
	}
}

func ingestedEncounter() map[string]any {
	const finalDiag = "Final diagnosis (discharge) (contextual qualifier) (qualifier value)"
	return map[string]any{
		"id":                                    11.0,
		"subject":                               "Patient/2",
		"actualPeriod.start":                    "2021-04-01T18:00:00-03:00",
		"actualPeriod.end":                      "2021-04-10",
		"extension.timingPhase.system":          snomed,
		"extension.timingPhase.code":            "278307001",
		"extension.timingPhase.text":            "On admission (qualifier value)",
		"class.system":                          snomed,
		"class.code":                            "32485007",
		"class.text":                            "Hospital admission (procedure)",
		"diagnosis.condition.concept.system":    []any{snomed, snomed},
		"diagnosis.condition.concept.code":      []any{"38362002", "722863008"},
		"diagnosis.condition.concept.text":      []any{"Dengue (disorder)", "Dengue with warning signs (disorder)"},
		"diagnosis.use.system":                  []any{snomed, snomed},
		"diagnosis.use.code":                    []any{"89100005", "89100005"},
		"diagnosis.use.text":                    []any{finalDiag, finalDiag},
		"admission.dischargeDisposition.system": snomed,
		"admission.dischargeDisposition.code":   "371827001",
		"admission.dischargeDisposition.text":   "Patient discharged alive (finding)",
	}
}

func TestIngestToFlat(t *testing.T) {
	metrics := fhirflat.NewMetrics()
	r := newResource(t, "Encounter").WithMetrics(metrics)

	mismatched := ingestedEncounter()
	mismatched["diagnosis.use.code"] = []any{"89100005"}

	invalid := ingestedEncounter()
	invalid["actualPeriod.end"] = "10/04/2021"

	dict := &ingest.Dictionary{Resource: "Encounter", Records: []ingest.Record{
		{Index: 0, Subject: 2.0, Flat: ingestedEncounter()},
		{Index: 3, Subject: 5.0, Flat: mismatched},
		{Index: 4, Subject: 6.0, Flat: invalid},
	}}

	table, failures, err := r.IngestToFlat(context.Background(), dict)
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	row := table.Rows()[0]
	assert.Equal(t, "11", row["id"])
	assert.Equal(t, "Patient/2", row["subject"])
	assert.Equal(t, "2021-04-01T18:00:00-03:00", row["actualPeriod.start"])
	assert.Equal(t, []any{snomed + "|32485007"}, row["class.code"])
	assert.Equal(t, []any{"Hospital admission (procedure)"}, row["class.text"])
	assert.Equal(t, []any{snomed + "|278307001"}, row["extension.timingPhase.code"])
	assert.Equal(t, []any{snomed + "|371827001"}, row["admission.dischargeDisposition.code"])
	assert.NotContains(t, row, "status")

	diagnoses, ok := row["diagnosis_dense"].([]any)
	require.True(t, ok, "diagnosis kept dense")
	require.Len(t, diagnoses, 2)
	assert.Equal(t, normalise(t, map[string]any{
		"condition": []any{map[string]any{"concept": map[string]any{"coding": []any{map[string]any{
			"system": snomed, "code": "722863008", "display": "Dengue with warning signs (disorder)",
		}}}}},
		"use": []any{map[string]any{"coding": []any{map[string]any{
			"system": snomed, "code": "89100005", "display": "Final diagnosis (discharge) (contextual qualifier) (qualifier value)",
		}}}},
	}), normalise(t, diagnoses[1]))

	require.Len(t, failures, 2)
	assert.Equal(t, 3, failures[0].Index)
	var mismatch *fhirflat.SchemaMismatchError
	assert.ErrorAs(t, failures[0], &mismatch)
	assert.Equal(t, mismatched, failures[0].Input)
	assert.Equal(t, 4, failures[1].Index)
	assert.True(t, fhirflat.IsValidationError(failures[1]))

	assert.Equal(t, uint64(3), metrics.RecordsTotal())
	assert.Equal(t, uint64(2), metrics.RecordsFailed())
}

func TestIngestToFlat_WrongResource(t *testing.T) {
	r := newResource(t, "Encounter")

	_, _, err := r.IngestToFlat(context.Background(), &ingest.Dictionary{Resource: "Observation"})
	assert.Error(t, err)
}

func TestExpandBackbones(t *testing.T) {
	r := newResource(t, "Encounter")

	t.Run("single occurrence left alone", func(t *testing.T) {
		in := map[string]any{"diagnosis.use.text": []any{"a"}, "subject": "Patient/1"}
		got, err := r.expandBackbones(in)
		require.NoError(t, err)
		assert.Equal(t, in, got)
	})

	t.Run("scalars apply to every occurrence", func(t *testing.T) {
		got, err := r.expandBackbones(map[string]any{
			"diagnosis.condition.concept.text": []any{"Dengue", "Malaria"},
			"diagnosis.use.text":               "Final diagnosis",
		})
		require.NoError(t, err)
		assert.Equal(t, normalise(t, map[string]any{"diagnosis": []any{
			map[string]any{
				"condition": []any{map[string]any{"concept": map[string]any{"text": "Dengue"}}},
				"use":       []any{map[string]any{"text": "Final diagnosis"}},
			},
			map[string]any{
				"condition": []any{map[string]any{"concept": map[string]any{"text": "Malaria"}}},
				"use":       []any{map[string]any{"text": "Final diagnosis"}},
			},
		}}), normalise(t, got))
	})

	t.Run("missing values are skipped", func(t *testing.T) {
		got, err := r.expandBackbones(map[string]any{
			"diagnosis.condition.concept.text": []any{"Dengue", nil},
			"diagnosis.use.text":               []any{nil, "Secondary diagnosis"},
		})
		require.NoError(t, err)
		items := got["diagnosis"].([]any)
		require.Len(t, items, 2)
		assert.NotContains(t, items[0], "use")
		assert.NotContains(t, items[1], "condition")
	})

	t.Run("single backbone cannot repeat", func(t *testing.T) {
		_, err := r.expandBackbones(map[string]any{
			"admission.dischargeDisposition.text": []any{"a", "b"},
		})
		var mismatch *fhirflat.SchemaMismatchError
		assert.ErrorAs(t, err, &mismatch)
	})
}

func TestFileToFlat(t *testing.T) {
	r := newResource(t, "Patient")

	ndjson := strings.Join([]string{
		`{"resourceType": "Patient", "id": "f001", "gender": "male", "birthDate": "1996-05-30", "name": [{"text": "Micky Mouse"}]}`,
		`{"resourceType": "Patient", "id": "f002"`,
		`{"resourceType": "Encounter", "id": "e1", "status": "completed"}`,
		`{"resourceType": "Patient", "id": "f003", "gender": "female"}`,
	}, "\n")

	table, failures, err := r.FileToFlat(context.Background(), strings.NewReader(ndjson))
	require.NoError(t, err)

	require.Equal(t, 2, table.Len())
	assert.Equal(t, fhirflat.FlatRow{
		"resourceType": "Patient", "id": "f001", "gender": "male", "birthDate": "1996-05-30",
	}, table.Rows()[0])
	assert.Equal(t, "f003", table.Value(1, "id"))
	assert.Nil(t, table.Value(1, "birthDate"))

	require.Len(t, failures, 2)
	assert.Equal(t, 1, failures[0].Index)
	assert.Equal(t, 2, failures[1].Index)
}
