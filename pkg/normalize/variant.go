package normalize

// Sample is one vendor-native record as decoded from JSON.
type Sample = map[string]any

// Variant knows the payload shape of one vendor integration.
// Supporting a new vendor means registering a new Variant.
type Variant interface {
	// Manufacturer is the manufacturer key the variant serves.
	Manufacturer() string
	// Label is the human-readable vendor name used in error messages.
	Label() string
	// Accepts reports whether the variant can parse the payload format.
	Accepts(format string) bool
	// ExternalCode extracts the vendor-native type code used for metric mapping.
	ExternalCode(payload Sample) string
	// Samples unwraps a payload envelope into individual samples.
	Samples(payload Sample) []Sample
	// EventTime returns the raw vendor event timestamp of a sample.
	EventTime(sample Sample) (any, bool)
}

// DexcomEGV handles Dexcom estimated glucose value exports.
type DexcomEGV struct{}

func (DexcomEGV) Manufacturer() string { return "dexcom" }
func (DexcomEGV) Label() string        { return "Dexcom" }

func (DexcomEGV) Accepts(format string) bool {
	switch format {
	case "egv", "dexcom-egv-samples", "egv_samples":
		return true
	}
	return false
}

func (DexcomEGV) ExternalCode(payload Sample) string {
	return stringField(payload, "recordType")
}

func (DexcomEGV) Samples(payload Sample) []Sample {
	if s, ok := nested(payload, "egvs"); ok {
		return s
	}
	if s, ok := nested(payload, "records"); ok {
		return s
	}
	return []Sample{payload}
}

func (DexcomEGV) EventTime(sample Sample) (any, bool) {
	if v, ok := sample["systemTime"]; ok && v != nil {
		return v, true
	}
	v, ok := sample["displayTime"]
	return v, ok && v != nil
}

// HealthKit handles Apple Health quantity samples.
type HealthKit struct{}

func (HealthKit) Manufacturer() string { return "apple_health" }
func (HealthKit) Label() string        { return "Apple Health" }

func (HealthKit) Accepts(format string) bool { return format == "healthkit_v1" }

func (HealthKit) ExternalCode(payload Sample) string {
	return stringField(payload, "type")
}

func (HealthKit) Samples(payload Sample) []Sample {
	if s, ok := nested(payload, "samples"); ok {
		return s
	}
	return []Sample{payload}
}

func (HealthKit) EventTime(sample Sample) (any, bool) {
	v, ok := sample["startDate"]
	return v, ok && v != nil
}

func stringField(s Sample, key string) string {
	if s == nil {
		return ""
	}
	v, _ := s[key].(string)
	return v
}

// nested returns the object elements of s[key] when it is an array.
// Non-object elements are kept as empty samples so they surface as errors.
func nested(s Sample, key string) ([]Sample, bool) {
	raw, ok := s[key]
	if !ok || raw == nil {
		return nil, false
	}
	switch arr := raw.(type) {
	case []Sample:
		return arr, true
	case []any:
		out := make([]Sample, 0, len(arr))
		for _, item := range arr {
			obj, _ := item.(map[string]any)
			if obj == nil {
				obj = Sample{}
			}
			out = append(out, obj)
		}
		return out, true
	}
	return nil, false
}
