package resilience

// DegradationMode identifies a reduced-capability fallback.
type DegradationMode string

const (
	// DegradeFallbackAccuracy switches to a reduced-accuracy local fallback
	DegradeFallbackAccuracy DegradationMode = "reduced-accuracy-fallback"

	// DegradeCachedResponse reuses the last known-good response
	DegradeCachedResponse DegradationMode = "cached-response-reuse"

	// DegradeSimplified switches to simplified processing
	DegradeSimplified DegradationMode = "simplified-processing"

	// DegradeNone means no degradation applies
	DegradeNone DegradationMode = "none"
)

// DegradationStrategy describes how to keep operating when a dependency
// stays unavailable.
type DegradationStrategy struct {
	Mode        DegradationMode
	Description string
}

// degradationTable is fixed by error type.
var degradationTable = map[ErrorType]DegradationStrategy{
	TypeConnectionFailed:   {Mode: DegradeFallbackAccuracy, Description: "use local fallback with reduced accuracy"},
	TypeServiceUnavailable: {Mode: DegradeFallbackAccuracy, Description: "use local fallback with reduced accuracy"},
	TypeModelUnavailable:   {Mode: DegradeFallbackAccuracy, Description: "use local fallback with reduced accuracy"},
	TypeTimeout:            {Mode: DegradeCachedResponse, Description: "reuse last cached response"},
	TypeRateLimited:        {Mode: DegradeCachedResponse, Description: "reuse last cached response"},
	TypeResourceExhausted:  {Mode: DegradeSimplified, Description: "switch to simplified processing"},
}

// GetDegradationStrategy looks up the degradation strategy for an error.
// The error is classified first if it isn't already a *Classified.
func (c *Classifier) GetDegradationStrategy(err error) DegradationStrategy {
	var classified *Classified
	if ce, ok := err.(*Classified); ok {
		classified = ce
	} else {
		classified = c.Classify(err, "")
	}
	if s, ok := degradationTable[classified.Type]; ok {
		return s
	}
	return DegradationStrategy{Mode: DegradeNone, Description: "no degradation available"}
}
