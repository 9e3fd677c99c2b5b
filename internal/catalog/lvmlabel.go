package catalog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LVM2 on-disk layout constants.
const (
	lvmSectorSize    = 512
	lvmLabelScan     = 4 // label lives in one of the first four sectors
	lvmLabelID       = "LABELONE"
	lvmLabelType     = "LVM2 001"
	lvmMDAHeaderSize = 512
	lvmMDAMagic      = " LVM2 x[5A%r0N*>"
	lvmMaxText       = 4 << 20
)

// MetadataReporter recovers the PV to VG mapping and LV names by reading the
// LVM2 text metadata straight from each PV. It works on hosts without lvm2
// installed, which is the common case on macOS.
type MetadataReporter struct {
	// Open opens a device for reading. Defaults to os.Open.
	Open func(path string) (ReadAtCloser, error)
}

// ReadAtCloser is the subset of *os.File the reporter needs.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Report implements LVMReporter.
func (m *MetadataReporter) Report(_ context.Context, pvPaths []string) (map[string]PVInfo, []LogicalVolumeInfo, error) {
	open := m.Open
	if open == nil {
		open = func(p string) (ReadAtCloser, error) { return os.Open(p) }
	}

	pvs := make(map[string]PVInfo)
	seen := make(map[string]bool)
	var lvs []LogicalVolumeInfo
	var errs []error
	for _, p := range pvPaths {
		md, err := readPVMetadata(open, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		pvs[p] = PVInfo{VG: md.vg, VGUUID: md.id}
		for _, lv := range md.lvs {
			key := md.vg + "/" + md.id + "/" + lv
			if seen[key] {
				continue
			}
			seen[key] = true
			lvs = append(lvs, LogicalVolumeInfo{VG: md.vg, VGUUID: md.id, Name: lv})
		}
	}
	sortLVs(lvs)
	if len(pvs) == 0 && len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}
	return pvs, lvs, nil
}

type pvMetadata struct {
	vg  string
	id  string
	lvs []string
}

func readPVMetadata(open func(string) (ReadAtCloser, error), path string) (*pvMetadata, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mdaOffset, err := findMetadataArea(f)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, lvmMDAHeaderSize)
	if _, err := f.ReadAt(hdr, int64(mdaOffset)); err != nil {
		return nil, fmt.Errorf("read metadata area header: %w", err)
	}
	if string(hdr[4:20]) != lvmMDAMagic {
		return nil, errors.New("metadata area magic mismatch")
	}
	mdaStart := binary.LittleEndian.Uint64(hdr[24:32])
	mdaSize := binary.LittleEndian.Uint64(hdr[32:40])
	// first raw_locn: offset u64, size u64, checksum u32, flags u32
	textOff := binary.LittleEndian.Uint64(hdr[40:48])
	textSize := binary.LittleEndian.Uint64(hdr[48:56])
	if textSize == 0 || textSize > lvmMaxText {
		return nil, errors.New("no committed metadata")
	}

	text := make([]byte, textSize)
	first := textSize
	if textOff+textSize > mdaSize {
		// Circular buffer wrap; the remainder continues after the header.
		first = mdaSize - textOff
	}
	if _, err := f.ReadAt(text[:first], int64(mdaStart+textOff)); err != nil {
		return nil, fmt.Errorf("read metadata text: %w", err)
	}
	if first < textSize {
		if _, err := f.ReadAt(text[first:], int64(mdaStart+lvmMDAHeaderSize)); err != nil {
			return nil, fmt.Errorf("read wrapped metadata text: %w", err)
		}
	}

	return parseLVMText(text)
}

// findMetadataArea locates the label, walks the PV header's data area list
// and returns the byte offset of the first metadata area.
func findMetadataArea(f io.ReaderAt) (uint64, error) {
	buf := make([]byte, lvmSectorSize*lvmLabelScan)
	if _, err := f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read label: %w", err)
	}
	for s := 0; s < lvmLabelScan; s++ {
		sec := buf[s*lvmSectorSize : (s+1)*lvmSectorSize]
		if string(sec[0:8]) != lvmLabelID || string(sec[24:32]) != lvmLabelType {
			continue
		}
		pvOff := int(binary.LittleEndian.Uint32(sec[20:24]))
		// pv_header: uuid[32], device_size u64, then disk_locn lists
		pos := pvOff + 32 + 8
		// skip data areas
		for {
			if pos+16 > len(sec) {
				return 0, errors.New("truncated pv header")
			}
			if binary.LittleEndian.Uint64(sec[pos:pos+8]) == 0 {
				pos += 16
				break
			}
			pos += 16
		}
		if pos+16 > len(sec) {
			return 0, errors.New("truncated pv header")
		}
		off := binary.LittleEndian.Uint64(sec[pos : pos+8])
		if off == 0 {
			return 0, errors.New("pv has no metadata area")
		}
		return off, nil
	}
	return 0, errors.New("no LVM2 label")
}

// parseLVMText extracts the VG name and visible LV names from LVM2 text
// metadata.
func parseLVMText(text []byte) (*pvMetadata, error) {
	md := &pvMetadata{}
	depth := 0
	section := ""
	currentLV := ""
	lvVisible := map[string]bool{}
	var lvOrder []string

	sc := bufio.NewScanner(bytes.NewReader(bytes.TrimRight(text, "\x00")))
	sc.Buffer(make([]byte, 64*1024), lvmMaxText)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "{") {
			name := strings.TrimSpace(strings.TrimSuffix(line, "{"))
			switch depth {
			case 0:
				if md.vg == "" {
					md.vg = name
				}
			case 1:
				section = name
			case 2:
				if section == "logical_volumes" {
					currentLV = name
					lvOrder = append(lvOrder, name)
				}
			}
			depth++
			continue
		}
		if line == "}" {
			depth--
			switch depth {
			case 1:
				section = ""
			case 2:
				currentLV = ""
			}
			if depth == 0 && md.vg != "" {
				break
			}
			continue
		}
		if depth == 1 && md.id == "" && strings.HasPrefix(line, "id") {
			if _, v, ok := strings.Cut(line, "="); ok {
				md.id = strings.Trim(strings.TrimSpace(v), `"`)
			}
			continue
		}
		if depth == 3 && currentLV != "" && strings.HasPrefix(line, "status") {
			lvVisible[currentLV] = strings.Contains(line, `"VISIBLE"`)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if md.vg == "" {
		return nil, errors.New("metadata has no volume group")
	}
	for _, lv := range lvOrder {
		if visible, ok := lvVisible[lv]; ok && !visible {
			continue
		}
		md.lvs = append(md.lvs, lv)
	}
	return md, nil
}
