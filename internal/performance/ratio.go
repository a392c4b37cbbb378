package performance

import (
	"encoding/json"
	"math"
)

// Ratio is a float64 that may be infinite. JSON has no infinity literal, so
// infinite and NaN values travel as the strings "+Inf", "-Inf" and "NaN".
type Ratio float64

func (r Ratio) IsInf() bool {
	return math.IsInf(float64(r), 0)
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	}
	return json.Marshal(f)
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "+Inf", "Inf":
			*r = Ratio(math.Inf(1))
		case "-Inf":
			*r = Ratio(math.Inf(-1))
		default:
			*r = Ratio(math.NaN())
		}
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}
