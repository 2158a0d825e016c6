package archive

import (
	"bytes"
	"fmt"
	"io"

	goparquet "github.com/fraugster/parquet-go"
	"github.com/fraugster/parquet-go/parquet"
	"github.com/fraugster/parquet-go/parquetschema"

	"github.com/reeltotext/rtt/media"
)

const segmentSchema = `message segment {
  required binary segment_id (STRING);
  required binary video_id (STRING);
  required double start_seconds;
  required double end_seconds;
  required binary transcript_raw (STRING);
  required binary transcript_enriched (STRING);
  required group text_embedding (LIST) {
    repeated group list {
      required float element;
    }
  }
  required binary frame_path (STRING);
  required boolean has_speech;
  required binary source (STRING);
  required binary collection (STRING);
}`

func writeParquet(w io.Writer, segments []media.Segment) error {
	schemaDef, err := parquetschema.ParseSchemaDefinition(segmentSchema)
	if err != nil {
		return fmt.Errorf("parsing segment schema: %w", err)
	}
	fw := goparquet.NewFileWriter(w,
		goparquet.WithSchemaDefinition(schemaDef),
		goparquet.WithCompressionCodec(parquet.CompressionCodec_SNAPPY),
	)
	for _, s := range segments {
		list := make([]map[string]interface{}, len(s.TextEmbedding))
		for i, v := range s.TextEmbedding {
			list[i] = map[string]interface{}{"element": v}
		}
		row := map[string]interface{}{
			"segment_id":          []byte(s.SegmentID),
			"video_id":            []byte(s.VideoID),
			"start_seconds":       s.StartSeconds,
			"end_seconds":         s.EndSeconds,
			"transcript_raw":      []byte(s.TranscriptRaw),
			"transcript_enriched": []byte(s.TranscriptEnriched),
			"text_embedding":      map[string]interface{}{"list": list},
			"frame_path":          []byte(s.FramePath),
			"has_speech":          s.HasSpeech,
			"source":              []byte(s.Source),
			"collection":          []byte(s.Collection),
		}
		if err := fw.AddData(row); err != nil {
			return fmt.Errorf("writing parquet row for %s: %w", s.SegmentID, err)
		}
	}
	return fw.Close()
}

// eachParquetRow streams rows from a parquet blob, optionally restricted to a
// column subset.
func eachParquetRow(data []byte, columns []string, fn func(row map[string]interface{}) error) (int, error) {
	fr, err := goparquet.NewFileReader(bytes.NewReader(data), columns...)
	if err != nil {
		return 0, fmt.Errorf("opening parquet table: %w", err)
	}
	rows := 0
	for {
		row, err := fr.NextRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("reading parquet row %d: %w", rows, err)
		}
		if err := fn(row); err != nil {
			return rows, err
		}
		rows++
	}
	return rows, nil
}

// embeddingFromRow unpacks the nested LIST structure into a float32 vector.
func embeddingFromRow(row map[string]interface{}) ([]float32, error) {
	group, ok := row["text_embedding"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("row has no text_embedding column")
	}
	list, ok := group["list"].([]map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("text_embedding column is not a list group")
	}
	vec := make([]float32, len(list))
	for i, el := range list {
		v, ok := el["element"].(float32)
		if !ok {
			return nil, fmt.Errorf("text_embedding element %d is not a float", i)
		}
		vec[i] = v
	}
	return vec, nil
}
