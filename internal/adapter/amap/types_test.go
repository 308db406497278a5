package amap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexStringVariants(t *testing.T) {
	cases := map[string]string{
		`"hello"`:        "hello",
		`[]`:             "",
		`["010-1","2"]`:  "010-1;2",
		`12345`:          "12345",
		`null`:           "",
		`["a","", "b" ]`: "a;b",
	}
	for in, want := range cases {
		var s flexString
		require.NoError(t, json.Unmarshal([]byte(in), &s), in)
		assert.Equal(t, want, string(s), in)
	}
}

func TestFlexIntVariants(t *testing.T) {
	cases := map[string]int{
		`"30"`: 30,
		`30`:   30,
		`""`:   0,
		`null`: 0,
	}
	for in, want := range cases {
		var n flexInt
		require.NoError(t, json.Unmarshal([]byte(in), &n), in)
		assert.Equal(t, want, int(n), in)
	}

	var n flexInt
	assert.Error(t, json.Unmarshal([]byte(`"lots"`), &n))
}

func TestVendorPageDecode(t *testing.T) {
	payload := `{
		"status": "1", "info": "OK", "infocode": "10000", "count": "51",
		"pois": [{
			"id": "B0FFG", "name": "某咖啡", "type": "餐饮服务;咖啡厅",
			"typecode": "050500", "address": [], "location": "116.40,39.91",
			"tel": ["010-1234","010-5678"], "business_area": "王府井",
			"pname": "北京市", "cityname": "北京市", "adname": "东城区"
		}]
	}`
	var page vendorPage
	require.NoError(t, json.Unmarshal([]byte(payload), &page))
	assert.Equal(t, 51, int(page.Count))
	require.Len(t, page.POIs, 1)

	poi := page.POIs[0].toDomain()
	assert.Equal(t, "B0FFG", poi.ID)
	assert.Equal(t, "", poi.Address)
	assert.Equal(t, "010-1234;010-5678", poi.Tel)
	assert.Equal(t, "北京市", poi.Province)
	assert.Equal(t, "东城区", poi.District)
}
