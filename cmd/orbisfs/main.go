// Command orbisfs is a read-only CLI over an OrbisFS image: list
// directories, dump file contents, and print superblock/diskinfo
// metadata.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tihmstar/go-orbisfs"
)

func main() {
	root := &cobra.Command{
		Use:   "orbisfs",
		Short: "Inspect OrbisFS images",
	}

	root.AddCommand(lsCmd(), catCmd(), infoCmd(), statCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func lsCmd() *cobra.Command {
	var showAll bool
	cmd := &cobra.Command{
		Use:   "ls <image> [path]",
		Short: "List a directory's entries",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) > 1 {
				path = args[1]
			}

			img, err := orbisfs.Open(args[0], false)
			if err != nil {
				return err
			}
			defer img.Close()

			entries, err := img.ListFilesInFolder(path, showAll)
			if err != nil {
				return err
			}
			for _, e := range entries {
				mode := orbisfs.UnixToMode(uint32(e.Inode.FileMode))
				fmt.Printf("%s %8d %s\n", mode, e.Inode.Filesize, e.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showAll, "all", "a", false, "include . and ..")
	return cmd
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <image> <path>",
		Short: "Print a file's contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := orbisfs.Open(args[0], false)
			if err != nil {
				return err
			}
			defer img.Close()

			f, err := img.OpenFileAtPath(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			buf := make([]byte, 64*1024)
			var offset int64
			for {
				n, err := f.Pread(buf, offset)
				if n > 0 {
					if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
						return werr
					}
					offset += int64(n)
				}
				if err != nil && err != io.EOF {
					return err
				}
				if n == 0 {
					break
				}
			}
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "Print superblock and diskinfo metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := orbisfs.Open(args[0], false)
			if err != nil {
				return err
			}
			defer img.Close()

			sb := img.Superblock()
			di := img.Diskinfo()

			fmt.Println("OrbisFS Image Information")
			fmt.Println("==========================")
			fmt.Printf("Format version:    %d\n", sb.Version)
			fmt.Printf("Block size:        %d bytes\n", img.BlockSize())
			fmt.Printf("Device path:       %s\n", di.DevicePath())
			fmt.Printf("Inodes in root:    %d\n", di.InodesInRoot)
			fmt.Printf("Highest used inode:%d\n", di.HighestUsedInode)
			fmt.Printf("Blocks used:       %d\n", di.BlocksUsed)
			fmt.Printf("Blocks available:  %d\n", di.BlocksAvailable)
			return nil
		},
	}
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <image> <path>",
		Short: "Print one inode's metadata",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := orbisfs.Open(args[0], false)
			if err != nil {
				return err
			}
			defer img.Close()

			ino, err := img.GetInodeForPath(args[1])
			if err != nil {
				return err
			}

			mode := orbisfs.UnixToMode(uint32(ino.FileMode))
			fmt.Printf("inode:      %d\n", ino.InodeNum)
			fmt.Printf("mode:       %s\n", mode)
			fmt.Printf("uid/gid:    %d/%d\n", ino.Uid, ino.Gid)
			fmt.Printf("size:       %d\n", ino.Filesize)
			fmt.Printf("usedBlocks: %d\n", ino.UsedBlocks)
			fmt.Printf("fatStages:  %d\n", ino.FatStages)
			return nil
		},
	}
}
