package mccmnc

import (
	"encoding/json"
	"io"
	"os"
	"sync"
)

// NetworkOperator represents an entry in mcc_mnc.json
type NetworkOperator struct {
	MCC         string `json:"mcc"`
	MNC         string `json:"mnc"`
	ISO         string `json:"iso"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	Name        string `json:"name"`
}

var (
	mu    sync.RWMutex
	names = map[string]string{} // mcc+mnc -> name
)

// LoadOperators loads the mcc_mnc.json file
func LoadOperators(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Load(f)
}

// Load replaces the operator table with the JSON array read from r.
func Load(r io.Reader) error {
	var operators []NetworkOperator
	if err := json.NewDecoder(r).Decode(&operators); err != nil {
		return err
	}
	table := make(map[string]string, len(operators))
	for _, op := range operators {
		if _, dup := table[op.MCC+op.MNC]; !dup {
			table[op.MCC+op.MNC] = op.Name
		}
	}
	mu.Lock()
	names = table
	mu.Unlock()
	return nil
}

// GetOperatorName finds the operator name for a given MCC and MNC
func GetOperatorName(mcc, mnc string) string {
	mu.RLock()
	defer mu.RUnlock()
	return names[mcc+mnc]
}

// Resolve turns a numeric MCCMNC operator id (5 or 6 digits) into a name.
// Anything else, or an unknown id, is returned unchanged.
func Resolve(op string) string {
	if len(op) != 5 && len(op) != 6 {
		return op
	}
	for _, c := range op {
		if c < '0' || c > '9' {
			return op
		}
	}
	if name := GetOperatorName(op[:3], op[3:]); name != "" {
		return name
	}
	return op
}
