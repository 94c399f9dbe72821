package iiif

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/layout-analysis-service/geometry"
	"github.com/Tutortoise/layout-analysis-service/muret"
)

const repertoriumDocument = `{
	"images": [{
		"id": 17,
		"width": 1000,
		"height": 1500,
		"iiifImageUrl": "https://gallica.bnf.fr/iiif/ark:/12148/btv1b/f1/info.json",
		"manuscript": {"id": 3, "title": "Codex (Paris), lat. 1118 "},
		"annotationGroups": [{
			"id": 5,
			"annotations": [
				{"id": 1, "type": "text", "polygon": [{"x": 10, "y": 20}, {"x": 110, "y": 25}, {"x": 100, "y": 220}]},
				{"id": 2, "type": "music", "polygon": [{"x": 300, "y": 400}, {"x": 500, "y": 420}]},
				{"id": 3, "type": "text", "polygon": [{"x": 1, "y": 1}, {"x": 2, "y": 2}]}
			]
		}]
	}]
}`

func TestSanitizeTitle(t *testing.T) {
	require.Equal(t, "Codex_Paris_lat_1118", SanitizeTitle("Codex (Paris), lat. 1118 "))
	require.Equal(t, "Graduel_dÉpinal", SanitizeTitle("Graduel d'Épinal"))
}

func TestCleanImageURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{
			url:  "https://gallica.bnf.fr/iiif/ark:/12148/x/f1/info.json",
			want: "https://gallica.bnf.fr/iiif/ark:/12148/x/f1/full/full/0/native.jpg",
		},
		{
			url:  "https://digital.blb-karlsruhe.de/i3f/v20/123/info.json",
			want: "https://digital.blb-karlsruhe.de/i3f/v20/123/full/800,600/0/default.jpg",
		},
		{
			url:  "https://example.org/iiif/1/full/full/0/default.jpg",
			want: "https://example.org/iiif/1/full/full/0/default.jpg",
		},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, CleanImageURL(tt.url, 800, 600))
	}
}

func TestRepertoriumToMuRET(t *testing.T) {
	doc, err := ParseAnnotationDocument([]byte(repertoriumDocument))
	require.NoError(t, err)

	pkg, err := doc.ToMuRET(muret.KindRegions)
	require.NoError(t, err)

	require.Equal(t, []string{"page", "text", "music"}, pkg.RegionTypes.Labels())
	require.Len(t, pkg.Images, 1)

	image := pkg.Images[0]
	require.Equal(t, "17", image.ID)
	require.Equal(t, "Codex_Paris_lat_1118_17.json", image.Filename)
	require.Equal(t, "https://gallica.bnf.fr/iiif/ark:/12148/btv1b/f1/full/full/0/native.jpg", image.URL)

	require.Len(t, image.Pages, 1)
	require.Equal(t, geometry.FromMuRET(0, 0, 1000, 1500), image.Pages[0].BoundingBox)
	require.Len(t, image.Pages[0].Regions, 3)
	require.Equal(t, geometry.FromMuRET(10, 20, 110, 220), *image.Pages[0].Regions[0].BoundingBox)

	dir := t.TempDir()
	require.NoError(t, pkg.Save(dir, CollectionRepertorium))
	require.FileExists(t, filepath.Join(dir, muret.FilesFolder, "3", "Codex_Paris_lat_1118_17.json"))

	loaded, err := muret.LoadPackage(dir)
	require.NoError(t, err)
	require.Len(t, loaded.Images, 1)
	require.Len(t, loaded.Images[0].Pages[0].Regions, 3)
}

func TestRepertoriumRejectsStaffWise(t *testing.T) {
	doc, err := ParseAnnotationDocument([]byte(repertoriumDocument))
	require.NoError(t, err)

	_, err = doc.ToMuRET(muret.KindSymbolsInRegions)
	require.ErrorIs(t, err, ErrStaffWise)
}

func TestManifestV2(t *testing.T) {
	data := []byte(`{
		"@context": "http://iiif.io/api/presentation/2/context.json",
		"@type": "sc:Manifest",
		"label": "Antiphonary",
		"sequences": [{"canvases": [
			{"@id": "c1", "width": 800, "height": 1200, "images": [{"resource": {"@id": "https://example.org/1.jpg"}}]},
			{"@id": "c2", "width": 800, "height": 1200, "images": [{"resource": {"service": {"@id": "https://example.org/iiif/2/"}}}]}
		]}]
	}`)

	require.Equal(t, KindManifest, Detect(data))

	m, err := ParseManifest(data)
	require.NoError(t, err)
	require.Equal(t, "Antiphonary", m.Title())

	pkg, err := m.ToMuRET(muret.KindRegions)
	require.NoError(t, err)
	require.Len(t, pkg.Images, 2)
	require.Equal(t, "https://example.org/1.jpg", pkg.Images[0].URL)
	require.Equal(t, "https://example.org/iiif/2/full/full/0/default.jpg", pkg.Images[1].URL)
	require.Equal(t, []string{"page"}, pkg.RegionTypes.Labels())
}

func TestManifestTitleLanguages(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{`{"fr": ["Graduel"], "en": ["Gradual"], "de": ["Graduale"]}`, "Gradual"},
		{`{"en": ["Gradual"], "none": ["Graduale Romanum"]}`, "Graduale Romanum"},
		{`{"la": ["Graduale"], "fr": ["Graduel"], "de": ["Graduale Romanum"]}`, "Graduale Romanum"},
		{`{"en": [], "fr": ["Graduel"]}`, "Graduel"},
		{`{}`, "Manifest"},
	}

	for _, tt := range tests {
		for i := 0; i < 5; i++ {
			m, err := ParseManifest([]byte(`{"type": "Manifest", "label": ` + tt.label + `}`))
			require.NoError(t, err)
			require.Equal(t, tt.want, m.Title(), tt.label)
		}
	}
}

func TestManifestV3(t *testing.T) {
	data := []byte(`{
		"type": "Manifest",
		"label": {"en": ["Gradual"]},
		"items": [{
			"id": "c1", "type": "Canvas", "width": 640, "height": 480,
			"items": [{"items": [{"body": {"id": "https://example.org/a.jpg"}}]}]
		}]
	}`)

	require.Equal(t, KindManifest, Detect(data))

	m, err := ParseManifest(data)
	require.NoError(t, err)
	require.Equal(t, "Gradual", m.Title())

	canvases := m.Canvases()
	require.Len(t, canvases, 1)
	require.Equal(t, Canvas{ID: "c1", Width: 640, Height: 480, ImageURL: "https://example.org/a.jpg"}, canvases[0])
}

func TestDetect(t *testing.T) {
	require.Equal(t, KindRepertorium, Detect([]byte(repertoriumDocument)))
	require.Equal(t, KindUnknown, Detect([]byte(`{"foo": 1}`)))
	require.Equal(t, KindUnknown, Detect([]byte(`not json`)))
}
