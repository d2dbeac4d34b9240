package reload

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

var ErrWriteConfig = errors.New("failed to write config file")

const archiveDirName = "archive"

// StoredConfig describes one persisted config blob.
type StoredConfig struct {
	GenID       uint64
	Path        string
	ArchivePath string
	Digest      string
	Size        int
}

// Store persists config blobs before the reload tool reads them.
type Store interface {
	Write(genID uint64, blob []byte) (StoredConfig, error)
}

// FileStore writes blobs under Dir as frr-config-gen-<genid>.conf. With
// Archive set, a zstd copy is also kept under Dir/archive.
type FileStore struct {
	Dir     string
	Archive bool
}

var _ Store = (*FileStore)(nil)

// ConfigFileName is the file name used for a generation.
func ConfigFileName(genID uint64) string {
	return fmt.Sprintf("frr-config-gen-%d.conf", genID)
}

func (s *FileStore) Write(genID uint64, blob []byte) (StoredConfig, error) {
	path := filepath.Join(s.Dir, ConfigFileName(genID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return StoredConfig{}, fmt.Errorf("%w: could not create dir: %v", ErrWriteConfig, err)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return StoredConfig{}, fmt.Errorf("%w: unable to write %s: %v", ErrWriteConfig, path, err)
	}
	// read back so the tool sees exactly what we persisted
	written, err := os.ReadFile(path)
	if err != nil {
		return StoredConfig{}, fmt.Errorf("%w: unable to read written file: %v", ErrWriteConfig, err)
	}
	if len(written) != len(blob) {
		return StoredConfig{}, fmt.Errorf("%w: short write %d/%d", ErrWriteConfig, len(written), len(blob))
	}

	stored := StoredConfig{
		GenID:  genID,
		Path:   path,
		Digest: Digest(blob),
		Size:   len(blob),
	}
	log.Debug().
		Uint64("genid", genID).
		Str("path", path).
		Str("blake3", stored.Digest).
		Int("bytes", stored.Size).
		Msg("config file stored")
	log.Trace().Uint64("genid", genID).Msgf("requested config is:\n%s", written)

	if s.Archive {
		archivePath, err := s.archive(genID, blob)
		if err != nil {
			// the live config is in place; a missing archive copy does not fail the reload
			log.Warn().Uint64("genid", genID).Err(err).Msg("config archive failed")
		} else {
			stored.ArchivePath = archivePath
		}
	}
	return stored, nil
}

func (s *FileStore) archive(genID uint64, blob []byte) (string, error) {
	dir := filepath.Join(s.Dir, archiveDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ConfigFileName(genID)+".zst")
	if err := os.WriteFile(path, CompressBytes(blob), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Digest is the hex BLAKE3 sum of a config blob.
func Digest(blob []byte) string {
	sum := blake3.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

var compressEncoder, _ = zstd.NewWriter(nil)

func CompressBytes(src []byte) []byte {
	return compressEncoder.EncodeAll(src, make([]byte, 0, len(src)))
}

var compressDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// DecompressBytes reverses CompressBytes, e.g. to inspect an archived config.
func DecompressBytes(src []byte) ([]byte, error) {
	return compressDecoder.DecodeAll(src, nil)
}

// ReadArchived loads an archived generation from dir.
func ReadArchived(dir string, genID uint64) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, archiveDirName, ConfigFileName(genID)+".zst"))
	if err != nil {
		return nil, err
	}
	return DecompressBytes(raw)
}
