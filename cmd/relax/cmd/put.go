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
	"github.com/go-kivik/relax/cmd/relax/input"
)

type put struct {
	*input.Input
	*root

	db, doc *cobra.Command
}

func putCmd(r *root) *cobra.Command {
	c := &put{
		root:  r,
		Input: input.New(),
	}
	c.db = putDBCmd(r)
	c.doc = putDocCmd(c)

	cmd := &cobra.Command{
		Use:   "put [command] [dsn]",
		Short: "Put a resource",
		Long:  `Create or update the named resource`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.RunE,
	}

	c.Input.ConfigFlags(cmd.PersistentFlags())

	cmd.AddCommand(c.db)
	cmd.AddCommand(c.doc)

	return cmd
}

func (c *put) RunE(cmd *cobra.Command, args []string) error {
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

type putDoc struct {
	*put
}

func putDocCmd(p *put) *cobra.Command {
	c := &putDoc{
		put: p,
	}
	return &cobra.Command{
		Use:     "document [dsn]/[database]/[document]",
		Aliases: []string{"doc"},
		Short:   "Create or update a document",
		Long:    `Store a document with the HTTP PUT verb. The document ID is taken from the URL.`,
		Args:    cobra.MaximumNArgs(1),
		RunE:    c.RunE,
	}
}

func (c *putDoc) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	db, docID, err := c.conf.DBDoc()
	if err != nil {
		return err
	}
	c.SetIn(cmd.InOrStdin())
	doc, err := c.JSONData()
	if err != nil {
		return err
	}
	if id, ok := doc["_id"].(string); ok && id != docID {
		return errors.Codef(errors.ErrUsage, "document _id %q does not match URL %q", id, docID)
	}
	doc["_id"] = docID
	c.log.Debugf("[put] Will put document: %s/%s", db, docID)
	return c.retry(cmd.Context(), func() error {
		result, err := client.DB(db).Put(cmd.Context(), doc)
		if err != nil {
			return err
		}
		return c.fmt.OutputJSON(result)
	})
}

type putDB struct {
	*root
}

func putDBCmd(r *root) *cobra.Command {
	c := &putDB{
		root: r,
	}
	return &cobra.Command{
		Use:     "database [dsn]/[database]",
		Aliases: []string{"db"},
		Short:   "Create a database",
		Args:    cobra.MaximumNArgs(1),
		RunE:    c.RunE,
	}
}

func (c *putDB) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	db, err := c.conf.DB()
	if err != nil {
		return err
	}
	c.log.Debugf("[put] Will create database: %s", db)
	return c.retry(cmd.Context(), func() error {
		if err := client.CreateDB(cmd.Context(), db); err != nil {
			return err
		}
		return c.fmt.OutputJSON(map[string]bool{"ok": true})
	})
}
