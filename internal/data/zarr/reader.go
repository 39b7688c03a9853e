// Package zarr provides a reader for OME-Zarr (Zarr v3) image stores.
package zarr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/omeroview/server/internal/dtype"
)

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// array is an opened Zarr array with its resolved element type.
type array struct {
	path  string
	meta  *ZarrV3ArrayMeta
	dtype dtype.DType
	fill  []byte
	// littleEndian is set when the bytes codec stores little-endian data.
	littleEndian bool
}

// loadArrayMeta loads Zarr v3 array metadata.
func loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	metaPath := filepath.Join(arrayPath, "zarr.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

func openArray(arrayPath string) (*array, error) {
	meta, err := loadArrayMeta(arrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read array metadata: %w", err)
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("%s is a %s, not an array", arrayPath, meta.NodeType)
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata: shape %v, chunk_shape %v", meta.Shape, meta.ChunkGrid.Configuration.ChunkShape)
	}
	for d, n := range meta.ChunkGrid.Configuration.ChunkShape {
		if n <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, n)
		}
	}
	dt, err := dtype.Parse(meta.DataType)
	if err != nil {
		return nil, err
	}

	a := &array{path: arrayPath, meta: meta, dtype: dt}
	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes":
			endian, _ := c.Configuration["endian"].(string)
			a.littleEndian = endian == "" || endian == "little"
		case "zstd", "gzip":
		default:
			return nil, fmt.Errorf("unsupported zarr codec %q", c.Name)
		}
	}
	if a.fill, err = zarrFillValueBytes(dt, meta.FillValue); err != nil {
		return nil, err
	}
	return a, nil
}

// PixelTypeCode maps a Zarr data type to the image server's pixel-type code.
func PixelTypeCode(dataType string) string {
	switch dataType {
	case "float32":
		return "float"
	case "float64":
		return "double"
	default:
		return dataType
	}
}

// readChunk reads and decodes a chunk. The result is big-endian.
func (r *Reader) readChunk(a *array, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	chunkPath := filepath.Join(a.path, "c", filepath.FromSlash(chunkKey))

	data, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}

	// Codecs run in reverse order on decode.
	for i := len(a.meta.Codecs) - 1; i >= 0; i-- {
		switch a.meta.Codecs[i].Name {
		case "zstd":
			if data, err = r.decoder.DecodeAll(data, nil); err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
			data, err = io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		}
	}

	if a.littleEndian {
		a.dtype.SwapToBigEndian(data)
	}
	return data, nil
}

func encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func chunkShapeAt(meta *ZarrV3ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		remaining := meta.Shape[d] - start
		if remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}

	return actual, nil
}

// zarrFillValueBytes encodes the fill value as one big-endian element.
func zarrFillValueBytes(dt dtype.DType, fill interface{}) ([]byte, error) {
	out := make([]byte, dt.Size())
	var v float64
	switch t := fill.(type) {
	case nil:
		return out, nil
	case float64:
		v = t
	case string:
		switch t {
		case "NaN":
			v = math.NaN()
		case "Infinity":
			v = math.Inf(1)
		case "-Infinity":
			v = math.Inf(-1)
		default:
			return nil, fmt.Errorf("unsupported fill_value %q", t)
		}
		if !dt.Float() {
			return nil, fmt.Errorf("fill_value %q for integer type %s", t, dt)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type: %T", fill)
	}
	dt.PutFloat64(out, 0, v)
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	// Fast path: fill is all zeros; make() already zero-initializes.
	allZero := true
	for _, b := range fill {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return make([]byte, len(fill)*n)
	}

	out := make([]byte, len(fill)*n)
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):(i+1)*len(fill)], fill)
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

// readChunkAt returns a chunk's decoded bytes and the shape they are laid
// out in. Writers either pad edge chunks to the full chunk shape or clip
// them to the array bounds; both are accepted. A missing chunk is all fill
// value.
func (r *Reader) readChunkAt(a *array, chunkIndices []int) ([]byte, []int, error) {
	clipped, err := chunkShapeAt(a.meta, chunkIndices)
	if err != nil {
		return nil, nil, err
	}

	data, err := r.readChunk(a, encodeChunkKey(a.meta, chunkIndices))
	if errors.Is(err, os.ErrNotExist) {
		return repeatFillBytes(a.fill, product(clipped)), clipped, nil
	}
	if err != nil {
		return nil, nil, err
	}

	full := a.meta.ChunkGrid.Configuration.ChunkShape
	switch len(data) {
	case product(full) * a.dtype.Size():
		return data, full, nil
	case product(clipped) * a.dtype.Size():
		return data, clipped, nil
	default:
		return nil, nil, fmt.Errorf("chunk %v has %d bytes, expected %d or %d",
			chunkIndices, len(data), product(full)*a.dtype.Size(), product(clipped)*a.dtype.Size())
	}
}

// readRegion reads the (h, w) rectangle at (x, y) of the plane selected by
// the leading indices of a (..., y, x) array. The result is big-endian and
// row-major.
func (r *Reader) readRegion(a *array, lead []int, x, y, w, h int) ([]byte, error) {
	nd := len(a.meta.Shape)
	if nd < 2 || len(lead) != nd-2 {
		return nil, fmt.Errorf("array has %d dims, got %d leading indices", nd, len(lead))
	}
	for d, i := range lead {
		if i < 0 || i >= a.meta.Shape[d] {
			return nil, fmt.Errorf("index %d out of range for dim %d with size %d", i, d, a.meta.Shape[d])
		}
	}
	sy, sx := a.meta.Shape[nd-2], a.meta.Shape[nd-1]
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > sx || y+h > sy {
		return nil, fmt.Errorf("region %d,%d %dx%d outside %dx%d", x, y, w, h, sx, sy)
	}

	chunk := a.meta.ChunkGrid.Configuration.ChunkShape
	cy, cx := chunk[nd-2], chunk[nd-1]
	size := a.dtype.Size()
	out := make([]byte, w*h*size)

	idx := make([]int, nd)
	for d, i := range lead {
		idx[d] = i / chunk[d]
	}
	for row := y / cy; row <= (y+h-1)/cy; row++ {
		for col := x / cx; col <= (x+w-1)/cx; col++ {
			idx[nd-2], idx[nd-1] = row, col
			data, shape, err := r.readChunkAt(a, idx)
			if err != nil {
				return nil, fmt.Errorf("chunk %v: %w", idx, err)
			}

			// offset of the selected plane within the chunk
			off := 0
			for d, i := range lead {
				off = off*shape[d] + i%chunk[d]
			}
			planeStride := shape[nd-2] * shape[nd-1]
			off *= planeStride

			// overlap of the chunk with the region, in array coordinates
			x0, y0 := max(x, col*cx), max(y, row*cy)
			x1 := min(x+w, col*cx+min(cx, sx-col*cx))
			y1 := min(y+h, row*cy+min(cy, sy-row*cy))
			n := (x1 - x0) * size
			for yy := y0; yy < y1; yy++ {
				src := (off + (yy-row*cy)*shape[nd-1] + (x0 - col*cx)) * size
				dst := ((yy-y)*w + (x0 - x)) * size
				copy(out[dst:dst+n], data[src:src+n])
			}
		}
	}
	return out, nil
}
