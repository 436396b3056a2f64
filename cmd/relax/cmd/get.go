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
	"bytes"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/go-kivik/relax"
)

type get struct {
	*root
	doc, db *cobra.Command
}

func getCmd(r *root) *cobra.Command {
	c := &get{
		root: r,
		doc:  getDocCmd(r),
		db:   getDBCmd(r),
	}
	cmd := &cobra.Command{
		Use:   "get [command] [dsn]",
		Short: "Get a resource",
		Long:  `Get a resource described by the URL`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.RunE,
	}

	cmd.AddCommand(c.doc)
	cmd.AddCommand(c.db)

	return cmd
}

func (c *get) RunE(cmd *cobra.Command, args []string) error {
	if c.conf.HasDoc() {
		return c.doc.RunE(cmd, args)
	}
	if c.conf.HasDB() {
		return c.db.RunE(cmd, args)
	}
	_, err := c.client()
	return err
}

type getDoc struct {
	*root
}

func getDocCmd(r *root) *cobra.Command {
	c := &getDoc{
		root: r,
	}
	return &cobra.Command{
		Use:     "document [dsn]/[database]/[document]",
		Aliases: []string{"doc"},
		Short:   "Get a document",
		Long:    `Fetch a document with the HTTP GET verb`,
		Args:    cobra.MaximumNArgs(1),
		RunE:    c.RunE,
	}
}

func (c *getDoc) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	db, docID, err := c.conf.DBDoc()
	if err != nil {
		return err
	}
	c.log.Debugf("[get] Will fetch document: %s/%s", db, docID)
	return c.retry(cmd.Context(), func() error {
		var doc json.RawMessage
		if err := client.DB(db).Get(cmd.Context(), docID, &doc); err != nil {
			return err
		}
		return c.fmt.Output(bytes.NewReader(doc))
	})
}

type getDB struct {
	*root
	params relax.AllDocsParams
}

func getDBCmd(r *root) *cobra.Command {
	c := &getDB{
		root: r,
	}
	cmd := &cobra.Command{
		Use:     "database [dsn]/[database]",
		Aliases: []string{"db"},
		Short:   "List the documents in a database",
		Long:    `List the documents in a database, by querying its _all_docs index`,
		Args:    cobra.MaximumNArgs(1),
		RunE:    c.RunE,
	}
	f := cmd.Flags()
	f.BoolVar(&c.params.IncludeDocs, "include-docs", false, "Include document bodies")
	f.IntVar(&c.params.Limit, "limit", 0, "Maximum number of rows to return")
	f.StringVar(&c.params.StartKey, "start-key", "", "Return rows starting with this document ID")
	f.StringVar(&c.params.EndKey, "end-key", "", "Stop returning rows at this document ID")
	f.BoolVar(&c.params.Descending, "descending", false, "Return rows in descending order")
	return cmd
}

func (c *getDB) RunE(cmd *cobra.Command, _ []string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	db, err := c.conf.DB()
	if err != nil {
		return err
	}
	c.log.Debugf("[get] Will list database: %s", db)
	return c.retry(cmd.Context(), func() error {
		result, err := client.DB(db).AllDocs(cmd.Context(), c.params)
		if err != nil {
			return err
		}
		return c.fmt.OutputJSON(result)
	})
}
