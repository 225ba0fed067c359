package media

import (
	"embed"

	"github.com/mohitkumar/streamflow/metadata"
	"github.com/mohitkumar/streamflow/model"
)

//go:embed definitions/*.yaml
var definitionFiles embed.FS

// Definitions returns the media-record and media-channel workflows and the
// routes of the media-schedules table.
func Definitions() (*metadata.Definitions, error) {
	return metadata.LoadDefinitions(definitionFiles, "definitions")
}

// Schema is the key layout of the media-schedules table.
func Schema() model.TableSchema {
	return model.TableSchema{Name: TABLE, PartitionKey: "mediaChannelId", SortKey: "startDateTime"}
}
