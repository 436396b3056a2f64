// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/go-kivik/relax/cmd/relax/errors"
)

type delete struct {
	*root
	doc, db *cobra.Command
}

func deleteCmd(r *root) *cobra.Command {
	c := &delete{
		root: r,
		doc:  deleteDocCmd(r),
		db:   deleteDBCmd(r),
	}
	cmd := &cobra.Command{
		Use:     "delete [command] [dsn]",
		Aliases: []string{"del"},
		Short:   "Delete a resource",
		Long:    `Delete a resource described by the URL`,
		Args:    cobra.MaximumNArgs(1),
		RunE:    c.RunE,
	}

	cmd.AddCommand(c.doc)
	cmd.AddCommand(c.db)

	return cmd
}

func (c *delete) RunE(cmd *cobra.Command, args []string) error {
	if c.conf.HasDoc() {
		return c.doc.RunE(cmd, args)
	}
	if c.conf.HasDB() {
		return c.db.RunE(cmd, args)
	}
	if _, err := c.client(); err != nil {
		return err
	}
	return errors.Code(errors.ErrUsage, "no database or document specified")
}

type deleteDoc struct {
	*root
	rev string
}

func deleteDocCmd(r *root) *cobra.Command {
	c := &deleteDoc{
		root: r,
	}
	cmd := &cobra.Command{
		Use:     "document [dsn]/[database]/[document]",
		Aliases: []string{"doc"},
		Short:   "Delete a document",
		Long:    `Delete a document. Without --rev, the current revision is fetched first.`,
		Args:    cobra.MaximumNArgs(1),
		RunE:    c.RunE,
	}
	cmd.Flags().StringVarP(&c.rev, "rev", "r", "", "Revision to delete")
	return cmd
}

func (c *deleteDoc) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	db, docID, err := c.conf.DBDoc()
	if err != nil {
		return err
	}
	return c.retry(cmd.Context(), func() error {
		rev := c.rev
		if rev == "" {
			var current struct {
				Rev string `json:"_rev"`
			}
			if err := client.DB(db).Get(cmd.Context(), docID, &current); err != nil {
				return err
			}
			rev = current.Rev
		}
		c.log.Debugf("[delete] Will delete document: %s/%s, rev %s", db, docID, rev)
		result, err := client.DB(db).Delete(cmd.Context(), docID, rev)
		if err != nil {
			return err
		}
		return c.fmt.OutputJSON(result)
	})
}

type deleteDB struct {
	*root
}

func deleteDBCmd(r *root) *cobra.Command {
	c := &deleteDB{
		root: r,
	}
	return &cobra.Command{
		Use:     "database [dsn]/[database]",
		Aliases: []string{"db"},
		Short:   "Delete a database",
		Args:    cobra.MaximumNArgs(1),
		RunE:    c.RunE,
	}
}

func (c *deleteDB) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	db, err := c.conf.DB()
	if err != nil {
		return err
	}
	c.log.Debugf("[delete] Will delete database: %s", db)
	return c.retry(cmd.Context(), func() error {
		if err := client.DestroyDB(cmd.Context(), db); err != nil {
			return err
		}
		return c.fmt.OutputJSON(map[string]bool{"ok": true})
	})
}
