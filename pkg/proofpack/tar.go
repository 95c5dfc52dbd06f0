package proofpack

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// WriteTar streams the pack as a reproducible tar.gz: manifest first, then
// members in sorted order, then the seal. Headers carry fixed mode 0644,
// uid/gid 0, and epoch mtimes, so identical packs produce identical bytes.
func (p *Pack) WriteTar(w io.Writer) error {
	gw := gzip.NewWriter(w)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	manifestBytes, err := json.MarshalIndent(p.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("proofpack: encode manifest: %w", err)
	}
	if err := writeEntry(tw, ManifestName, manifestBytes); err != nil {
		return err
	}

	names := make([]string, 0, len(p.Files))
	for name := range p.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeEntry(tw, name, p.Files[name]); err != nil {
			return err
		}
	}

	if p.Seal != nil {
		sealBytes, err := json.MarshalIndent(p.Seal, "", "  ")
		if err != nil {
			return fmt.Errorf("proofpack: encode seal: %w", err)
		}
		if err := writeEntry(tw, SealName, sealBytes); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("proofpack: close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("proofpack: close gzip: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Unix(0, 0),
		Uid:     0,
		Gid:     0,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("proofpack: write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("proofpack: write data %s: %w", name, err)
	}
	return nil
}

// ReadTar parses a pack written by WriteTar. It does not verify anything;
// call Verify on the result.
func ReadTar(r io.Reader) (*Pack, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("proofpack: gzip reader: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	pack := &Pack{Files: make(map[string][]byte)}
	sawManifest := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("proofpack: tar read: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("proofpack: read %s: %w", hdr.Name, err)
		}

		switch hdr.Name {
		case ManifestName:
			if err := json.Unmarshal(data, &pack.Manifest); err != nil {
				return nil, fmt.Errorf("proofpack: decode manifest: %w", err)
			}
			sawManifest = true
		case SealName:
			var s Seal
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, fmt.Errorf("proofpack: decode seal: %w", err)
			}
			pack.Seal = &s
		default:
			pack.Files[hdr.Name] = data
		}
	}

	if !sawManifest {
		return nil, fmt.Errorf("proofpack: %s not found in pack", ManifestName)
	}
	return pack, nil
}
