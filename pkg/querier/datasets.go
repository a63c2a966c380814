package querier

import (
	"github.com/sensorlake/sensorlake/pkg/dimension"
	"github.com/sensorlake/sensorlake/pkg/enrich"
	"github.com/sensorlake/sensorlake/pkg/manifest"
	"github.com/sensorlake/sensorlake/pkg/schema"
	"github.com/sensorlake/sensorlake/pkg/store/events"
	"github.com/sensorlake/sensorlake/pkg/store/location"
	qualitystore "github.com/sensorlake/sensorlake/pkg/store/quality"
	"github.com/sensorlake/sensorlake/pkg/store/raw"
	"github.com/sensorlake/sensorlake/pkg/store/rollup"
)

// Datasets assembles the dataset catalog handed to the query server and the
// admin CLI: the fixed stores, the enriched views, and one raw landing schema
// per loaded manifest.
func Datasets(manifests []*manifest.Manifest) []*schema.Schema {
	schemas := []*schema.Schema{
		events.Schema,
		rollup.Schema,
		location.Schema,
		enrich.Schema,
		dimension.Schema,
		qualitystore.Schema,
	}
	for _, m := range manifests {
		schemas = append(schemas, raw.SchemaFor(m))
	}
	return schemas
}
