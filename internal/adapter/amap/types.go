package amap

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/poiplane/poiplane/internal/domain"
)

// flexString decodes a vendor field that may arrive as a string, a bare
// number, or an array. AMap returns [] for absent values such as tel.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = []byte(strings.TrimSpace(string(b)))
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	switch b[0] {
	case '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
	case '[':
		var parts []flexString
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		strs := make([]string, 0, len(parts))
		for _, p := range parts {
			if p != "" {
				strs = append(strs, string(p))
			}
		}
		*s = flexString(strings.Join(strs, ";"))
	default:
		*s = flexString(b)
	}
	return nil
}

// flexInt decodes a count that may be quoted or bare.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

type vendorPOI struct {
	ID           flexString `json:"id"`
	Name         flexString `json:"name"`
	Type         flexString `json:"type"`
	TypeCode     flexString `json:"typecode"`
	Address      flexString `json:"address"`
	Location     flexString `json:"location"`
	Tel          flexString `json:"tel"`
	BusinessArea flexString `json:"business_area"`
	PName        flexString `json:"pname"`
	CityName     flexString `json:"cityname"`
	AdName       flexString `json:"adname"`
}

func (p vendorPOI) toDomain() domain.POI {
	return domain.POI{
		ID:           string(p.ID),
		Name:         string(p.Name),
		Type:         string(p.Type),
		TypeCode:     string(p.TypeCode),
		Address:      string(p.Address),
		Location:     string(p.Location),
		Tel:          string(p.Tel),
		BusinessArea: string(p.BusinessArea),
		Province:     string(p.PName),
		City:         string(p.CityName),
		District:     string(p.AdName),
	}
}

type vendorPage struct {
	Status   flexString  `json:"status"`
	Info     flexString  `json:"info"`
	Infocode flexString  `json:"infocode"`
	Count    flexInt     `json:"count"`
	POIs     []vendorPOI `json:"pois"`
}

type proxyErrorBody struct {
	Status   flexString `json:"status"`
	Info     flexString `json:"info"`
	InfoCode flexString `json:"info_code"`
}
