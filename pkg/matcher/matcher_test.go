package matcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/akikaku/akikaku-engine/pkg/dataset"
	"github.com/akikaku/akikaku-engine/pkg/models"
)

func testSnapshot() *dataset.Snapshot {
	props := []dataset.Property{
		{Name: "メゾン桜", Address: "東京都新宿区西新宿1丁目2番3号", Layout: "1K", Area: "25.5㎡", Rent: "109000円", CompanyID: "sakura"},
		{Name: "コーポ松", Address: "東京都中野区中野2-2-2", Layout: "1LDK", Area: "40㎡", Rent: "150000円", CompanyID: "matsu"},
		{Name: "パークハイツ南", Address: "東京都杉並区高円寺南4-5-6", Layout: "2DK", CompanyID: "park"},
		{Name: "ツインコート", Address: "東京都品川区大井1-1-1", Layout: "1K", Area: "20㎡", CompanyID: "twin-a"},
		{Name: "ツインコート", Address: "東京都品川区大井1-1-1", Layout: "1DK", Area: "30㎡", CompanyID: "twin-b"},
	}
	for i := range props {
		props[i].Index = i
	}
	return &dataset.Snapshot{Generation: 1, Properties: props}
}

func newTestMatcher(t *testing.T) Matcher {
	return New(DefaultThreshold, nil, zaptest.NewLogger(t))
}

func TestNormalizer_Name(t *testing.T) {
	n := NewNormalizer(nil)

	assert.Equal(t, n.Name("メゾン桜"), n.Name("ﾒｿﾞﾝ 桜"))
	assert.Equal(t, n.Name("メゾン桜"), n.Name("メゾン桜 101号室"))
	assert.Equal(t, "abcビル", n.Name("ＡＢＣ Bldg."))
}

func TestNormalizer_Address(t *testing.T) {
	n := NewNormalizer(nil)

	assert.Equal(t, "東京都新宿区西新宿1-2-3", n.Address("東京都新宿区西新宿1丁目2番3号"))
	assert.Equal(t, "東京都新宿区西新宿1-2-3", n.Address("東京都 新宿区 西新宿１－２－３"))
	assert.Equal(t, "東京都新宿区西新宿1-2-3", n.Address("東京都新宿区西新宿1の2の3"))
}

func TestNormalizer_ExtraAbbreviations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abbr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name:\n  pk: パーク\naddress:\n  東京都: \"\"\n"), 0o600))

	extra, err := LoadAbbreviations(path)
	require.NoError(t, err)
	n := NewNormalizer(extra)

	assert.Equal(t, n.Name("パーク ハイツ"), n.Name("PK Hts"))
	assert.Equal(t, "中野区中野2-2-2", n.Address("東京都中野区中野2-2-2"))

	_, err = LoadAbbreviations(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMatch_ExactKey(t *testing.T) {
	m := newTestMatcher(t)

	res, ok := m.Match(testSnapshot(), models.ListingAttributes{
		Name:    "メゾン桜/101",
		Address: "東京都新宿区西新宿１－２－３",
	})
	require.True(t, ok)
	assert.Equal(t, MethodExactKey, res.Method)
	assert.Equal(t, "sakura", res.Property.CompanyID)
	assert.Equal(t, 1.0, res.Score)
}

func TestMatch_ExactNameOnly(t *testing.T) {
	m := newTestMatcher(t)

	res, ok := m.Match(testSnapshot(), models.ListingAttributes{Name: "コーポ松"})
	require.True(t, ok)
	assert.Equal(t, MethodExactName, res.Method)
	assert.Equal(t, "matsu", res.Property.CompanyID)
}

func TestMatch_ExactAddress(t *testing.T) {
	m := newTestMatcher(t)

	res, ok := m.Match(testSnapshot(), models.ListingAttributes{Address: "東京都中野区中野2丁目2番2号"})
	require.True(t, ok)
	assert.Equal(t, MethodExactAddress, res.Method)
	assert.Equal(t, "matsu", res.Property.CompanyID)

	res, ok = m.Match(testSnapshot(), models.ListingAttributes{
		Name:    "パークハイツ南棟",
		Address: "東京都杉並区高円寺南4-5-6",
	})
	require.True(t, ok)
	assert.Equal(t, MethodExactAddress, res.Method)
	assert.Equal(t, "park", res.Property.CompanyID)
}

func TestMatch_SameAddressDifferentBuilding(t *testing.T) {
	m := newTestMatcher(t)
	snap := &dataset.Snapshot{Generation: 1, Properties: []dataset.Property{
		{Name: "グランドメゾン西新宿", Address: "東京都新宿区西新宿1", CompanyID: "other-co"},
	}}

	res, ok := m.Match(snap, models.ListingAttributes{
		Name:    "パークハイツ桜",
		Address: "東京都新宿区西新宿1",
	})
	assert.False(t, ok, "matched %+v", res)
}

func TestMatch_Similarity(t *testing.T) {
	m := newTestMatcher(t)

	res, ok := m.Match(testSnapshot(), models.ListingAttributes{
		Name:    "パークハイツ南棟",
		Address: "東京都杉並区高円寺南4-5-6",
	})
	require.True(t, ok)
	assert.Equal(t, "park", res.Property.CompanyID)
	assert.GreaterOrEqual(t, res.Score, DefaultThreshold)
}

func TestMatch_NoMatchBelowThreshold(t *testing.T) {
	m := newTestMatcher(t)

	_, ok := m.Match(testSnapshot(), models.ListingAttributes{
		Name:    "グランドタワー横浜",
		Address: "神奈川県横浜市西区みなとみらい9-9-9",
	})
	assert.False(t, ok)

	_, ok = m.Match(testSnapshot(), models.ListingAttributes{})
	assert.False(t, ok)

	_, ok = m.Match(&dataset.Snapshot{}, models.ListingAttributes{Name: "メゾン桜"})
	assert.False(t, ok)
}

func TestMatch_TieBreakByAdvisoryAttributes(t *testing.T) {
	m := newTestMatcher(t)
	listing := models.ListingAttributes{
		Name:    "ツインコート",
		Address: "東京都品川区大井1-1-1",
		Layout:  "1DK",
		Area:    "30.2m²",
	}

	res, ok := m.Match(testSnapshot(), listing)
	require.True(t, ok)
	assert.Equal(t, "twin-b", res.Property.CompanyID)

	listing.Layout, listing.Area = "", ""
	res, ok = m.Match(testSnapshot(), listing)
	require.True(t, ok)
	assert.Equal(t, "twin-a", res.Property.CompanyID, "lowest index wins without other signal")
}

func TestMatch_Deterministic(t *testing.T) {
	m := newTestMatcher(t)
	snap := testSnapshot()
	listing := models.ListingAttributes{Name: "パークハイツ", Address: "東京都杉並区高円寺南4丁目5番6号"}

	first, ok := m.Match(snap, listing)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := m.Match(snap, listing)
		require.True(t, ok)
		assert.Equal(t, first.Property.Index, again.Property.Index)
		assert.InDelta(t, first.Score, again.Score, 1e-12)
	}
}

func TestMatch_IndexFollowsSnapshot(t *testing.T) {
	m := newTestMatcher(t)
	_, ok := m.Match(testSnapshot(), models.ListingAttributes{Name: "新築レジデンス"})
	assert.False(t, ok)

	next := &dataset.Snapshot{Generation: 2, Properties: []dataset.Property{
		{Name: "新築レジデンス", Address: "東京都港区芝1-1-1", CompanyID: "new"},
	}}
	res, ok := m.Match(next, models.ListingAttributes{Name: "新築レジデンス"})
	require.True(t, ok)
	assert.Equal(t, "new", res.Property.CompanyID)
}

func TestDice(t *testing.T) {
	assert.InDelta(t, 1.0, dice(bigrams("abcd"), bigrams("abcd")), 1e-9)
	assert.InDelta(t, 0.0, dice(bigrams("ab"), bigrams("cd")), 1e-9)
	assert.InDelta(t, 0.5, dice(bigrams("abc"), bigrams("abd")), 1e-9)
	assert.InDelta(t, 1.0, dice(bigrams("a"), bigrams("a")), 1e-9)
	assert.Equal(t, 0.0, dice(bigrams(""), bigrams("")))
}
