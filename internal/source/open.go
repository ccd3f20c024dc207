package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rpa-landuse/internal/fetcher"
)

// fingerprintPrefix is how much of the file is hashed by Fingerprint.
const fingerprintPrefix = 1 << 20

// Input is a local JSON file ready for a Loader. Close removes any download
// or extraction scratch space.
type Input struct {
	Path    string
	Origin  string
	scratch string
}

// Close releases scratch files. Safe to call more than once.
func (in *Input) Close() error {
	if in.scratch == "" {
		return nil
	}
	dir := in.scratch
	in.scratch = ""
	if err := os.RemoveAll(dir); err != nil {
		return eris.Wrap(err, "source: remove scratch dir")
	}
	return nil
}

// Open resolves input to a local JSON file. http(s) URLs are downloaded with
// f and .zip archives are unpacked to their single .json member, both under a
// scratch directory in tempDir. Local JSON files are used in place.
func Open(ctx context.Context, input, tempDir string, f fetcher.Fetcher) (*Input, error) {
	in := &Input{Path: input, Origin: input}
	log := zap.L().With(zap.String("component", "source"), zap.String("input", input))

	remote := isRemote(input)
	if !remote && !strings.EqualFold(filepath.Ext(input), ".zip") {
		if _, err := os.Stat(input); err != nil {
			return nil, eris.Wrapf(err, "source: stat %s", input)
		}
		return in, nil
	}

	scratch, err := os.MkdirTemp(tempDir, "rpa-landuse-input-*")
	if err != nil {
		return nil, eris.Wrap(err, "source: create scratch dir")
	}
	in.scratch = scratch

	local := input
	if remote {
		if f == nil {
			_ = in.Close()
			return nil, eris.Errorf("source: %s is remote but no fetcher is configured", input)
		}
		u, err := url.Parse(input)
		if err != nil {
			_ = in.Close()
			return nil, eris.Wrapf(err, "source: parse url %s", input)
		}
		name := path.Base(u.Path)
		if name == "" || name == "/" || name == "." {
			name = "download.json"
		}
		local = filepath.Join(scratch, name)
		log.Info("downloading input")
		if _, err := f.DownloadToFile(ctx, input, local); err != nil {
			_ = in.Close()
			return nil, eris.Wrapf(err, "source: download %s", input)
		}
	}

	if strings.EqualFold(filepath.Ext(local), ".zip") {
		extracted, err := fetcher.ExtractZIPMatch(local, ".json", filepath.Join(scratch, "unzipped"))
		if err != nil {
			_ = in.Close()
			return nil, eris.Wrapf(err, "source: unpack %s", input)
		}
		log.Info("extracted input archive", zap.String("member", filepath.Base(extracted)))
		local = extracted
	}

	in.Path = local
	return in, nil
}

func isRemote(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Fingerprint identifies a file's content cheaply: its size and a sha256 of
// the first MiB. Resume matching compares fingerprints.
func Fingerprint(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", eris.Wrapf(err, "source: open %s", p)
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return "", eris.Wrapf(err, "source: stat %s", p)
	}

	h := sha256.New()
	if _, err := io.CopyN(h, f, fingerprintPrefix); err != nil && err != io.EOF {
		return "", eris.Wrapf(err, "source: hash %s", p)
	}

	return fmt.Sprintf("%d-%s", info.Size(), hex.EncodeToString(h.Sum(nil))[:16]), nil
}
