package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeMachine IDType = "mach"
	IDTypeGroup   IDType = "grp"
	IDTypeRun     IDType = "run"
	IDTypeOutput  IDType = "out"
)

var validIDTypes = map[IDType]bool{
	IDTypeMachine: true,
	IDTypeGroup:   true,
	IDTypeRun:     true,
	IDTypeOutput:  true,
}

var idRegex = regexp.MustCompile(`^(mach|grp|run|out)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID produces a sortable typed identifier: <type>_<unix10>_<suffix8>.
// The suffix is the first 8 hex characters of a random UUID.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	suffix := u.String()[:8]

	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), suffix), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
