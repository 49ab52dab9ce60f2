package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"bastionhq.dev/bastion/shared/archive/fswalk"
	"bastionhq.dev/bastion/shared/manifest"
	"bastionhq.dev/bastion/shared/types"
)

// writeFilesystemTar walks fsSrc and writes each entry as a pax tar
// record into tw, appending a matching record to idx in the same order.
// onEntry is called after each entry is fully written, for progress
// accounting. It returns the aggregated walk issues.
func writeFilesystemTar(fsSrc types.FilesystemSource, tw *tar.Writer, idx *EntriesIndexWriter, onEntry func(fswalk.Entry)) (*fswalk.Issues, error) {
	var walkErr error

	issues, err := fswalk.Walk(fsSrc, func(e fswalk.Entry) error {
		if werr := writeOneEntry(tw, idx, e); werr != nil {
			walkErr = werr
			return werr
		}
		onEntry(e)
		return nil
	})
	if err != nil {
		return issues, err
	}
	return issues, walkErr
}

func writeOneEntry(tw *tar.Writer, idx *EntriesIndexWriter, e fswalk.Entry) error {
	switch {
	case e.IsDir:
		hdr := &tar.Header{
			Name:     e.ArchivePath + "/",
			Typeflag: tar.TypeDir,
			Mode:     int64(e.Mode.Perm()),
			ModTime:  e.ModTime,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive: writing dir header %s: %w", e.ArchivePath, err)
		}
		return idx.Append(manifest.EntryRecord{Path: e.ArchivePath, Kind: manifest.EntryDir})

	case e.IsSymlink:
		hdr := &tar.Header{
			Name:     e.ArchivePath,
			Typeflag: tar.TypeSymlink,
			Linkname: e.LinkTarget,
			Mode:     int64(e.Mode.Perm()),
			ModTime:  e.ModTime,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive: writing symlink header %s: %w", e.ArchivePath, err)
		}
		return idx.Append(manifest.EntryRecord{Path: e.ArchivePath, Kind: manifest.EntrySymlink})

	case e.IsHardlinkDup:
		hdr := &tar.Header{
			Name:     e.ArchivePath,
			Typeflag: tar.TypeLink,
			Linkname: e.HardlinkOfArchivePath,
			Mode:     int64(e.Mode.Perm()),
			ModTime:  e.ModTime,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive: writing hardlink header %s: %w", e.ArchivePath, err)
		}
		return idx.Append(manifest.EntryRecord{Path: e.ArchivePath, Kind: manifest.EntryFile, Size: e.Size})

	default:
		f, err := os.Open(e.FullPath)
		if err != nil {
			return fmt.Errorf("archive: opening %s: %w", e.FullPath, err)
		}
		defer f.Close()

		hasher := newFileHasher()

		hdr := &tar.Header{
			Name:     e.ArchivePath,
			Typeflag: tar.TypeReg,
			Size:     e.Size,
			Mode:     int64(e.Mode.Perm()),
			ModTime:  e.ModTime,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive: writing file header %s: %w", e.ArchivePath, err)
		}

		w := io.MultiWriter(tw, hasher)
		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("archive: copying %s: %w", e.ArchivePath, err)
		}

		return idx.Append(manifest.EntryRecord{
			Path:    e.ArchivePath,
			Kind:    manifest.EntryFile,
			Size:    e.Size,
			HashAlg: "blake3",
			Hash:    hasher.hex(),
		})
	}
}
