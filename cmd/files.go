package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
)

func newFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Collect and download community files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "collect <group_id>",
		Short: "Record the community's file listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := parseGroupID(args[0])
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runTask(cmd, appInstance, dispatcher.Spec{
				Kind:        task.KindCollectFiles,
				GroupID:     groupID,
				Description: fmt.Sprintf("收集文件列表 社群 %d", groupID),
				Label:       "文件收集",
				Work:        appInstance.Units().CollectFiles(groupID),
			})
		},
	})

	var maxFiles int
	download := &cobra.Command{
		Use:   "download <group_id>",
		Short: "Download pending files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := parseGroupID(args[0])
			if err != nil {
				return err
			}
			if maxFiles < 1 {
				return fmt.Errorf("--max-files must be positive")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runTask(cmd, appInstance, dispatcher.Spec{
				Kind:        task.KindDownloadFiles,
				GroupID:     groupID,
				Description: fmt.Sprintf("下载文件 社群 %d (最多 %d 个)", groupID, maxFiles),
				Label:       "文件下载",
				Work:        appInstance.Units().DownloadFiles(groupID, maxFiles),
			})
		},
	}
	download.Flags().IntVar(&maxFiles, "max-files", 10, "maximum files to download")
	cmd.AddCommand(download)
	return cmd
}
