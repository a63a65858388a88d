package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/climatoology/climatoology/info"
)

// WriteInfo upserts a plugin descriptor: authors by name, the info row by
// key, the author seating for that key, and the latest flags of the plugin
// id so exactly one version stays latest.
func (s *Store) WriteInfo(ctx context.Context, i info.Info) error {
	row, err := rowFromInfo(i)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range i.Authors {
			author := PluginAuthor{Name: a.Name, Affiliation: a.Affiliation, Website: a.Website}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"affiliation", "website"}),
			}).Create(&author).Error
			if err != nil {
				return fmt.Errorf("store: upserting author %s: %w", a.Name, err)
			}
		}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("store: upserting info %s: %w", row.Key, err)
		}

		if err := tx.Where("info_key = ?", row.Key).Delete(&PluginInfoAuthorLink{}).Error; err != nil {
			return fmt.Errorf("store: clearing author links: %w", err)
		}
		for seat, a := range i.Authors {
			link := PluginInfoAuthorLink{InfoKey: row.Key, AuthorName: a.Name, AuthorSeat: seat}
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("store: linking author %s: %w", a.Name, err)
			}
		}

		return flipLatest(tx, i.ID)
	})
	if err != nil {
		return err
	}
	s.logger.WithField("plugin", i.Key()).Info("registered plugin info")
	return nil
}

// flipLatest recomputes which version of a plugin id is the latest one.
// Versions rank by semver; equal versions rank by build metadata so a
// re-release with metadata supersedes the plain version.
func flipLatest(tx *gorm.DB, pluginID string) error {
	var rows []PluginInfo
	if err := tx.Select("key", "version").Where("id = ?", pluginID).Find(&rows).Error; err != nil {
		return fmt.Errorf("store: listing versions of %s: %w", pluginID, err)
	}
	if len(rows) == 0 {
		return nil
	}
	latest := rows[0]
	for _, row := range rows[1:] {
		cmp, err := info.CompareVersions(row.Version, latest.Version)
		if err != nil {
			return fmt.Errorf("store: comparing versions of %s: %w", pluginID, err)
		}
		if cmp > 0 {
			latest = row
		}
	}
	err := tx.Model(&PluginInfo{}).Where("id = ?", pluginID).
		Update("latest", gorm.Expr("(key = ?)", latest.Key)).Error
	if err != nil {
		return fmt.Errorf("store: flipping latest flag: %w", err)
	}
	return nil
}

// ReadInfo returns one plugin descriptor; the latest version when no
// version is given.
func (s *Store) ReadInfo(ctx context.Context, pluginID, version string) (info.Info, error) {
	var row PluginInfo
	q := s.db.WithContext(ctx)
	var err error
	if version == "" {
		err = q.Where("id = ? AND latest = true", pluginID).First(&row).Error
	} else {
		err = q.Where("key = ?", pluginID+info.KeySeparator+version).First(&row).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return info.Info{}, fmt.Errorf("%w: plugin %s", ErrNotFound, pluginID)
	}
	if err != nil {
		return info.Info{}, fmt.Errorf("store: reading info: %w", err)
	}

	authors, err := readAuthors(q, row.Key)
	if err != nil {
		return info.Info{}, err
	}
	return infoFromRow(row, authors)
}

// ListInfos returns the latest descriptor of every registered plugin.
func (s *Store) ListInfos(ctx context.Context) ([]info.Info, error) {
	var rows []PluginInfo
	q := s.db.WithContext(ctx)
	if err := q.Where("latest = true").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: listing infos: %w", err)
	}
	infos := make([]info.Info, 0, len(rows))
	for _, row := range rows {
		authors, err := readAuthors(q, row.Key)
		if err != nil {
			return nil, err
		}
		i, err := infoFromRow(row, authors)
		if err != nil {
			return nil, err
		}
		infos = append(infos, i)
	}
	return infos, nil
}

func readAuthors(q *gorm.DB, infoKey string) ([]info.Author, error) {
	var authors []info.Author
	err := q.Table(SchemaName+".plugin_info_author_link AS link").
		Select("author.name, author.affiliation, author.website").
		Joins("JOIN "+SchemaName+".plugin_author AS author ON author.name = link.author_name").
		Where("link.info_key = ?", infoKey).
		Order("link.author_seat").
		Scan(&authors).Error
	if err != nil {
		return nil, fmt.Errorf("store: reading authors of %s: %w", infoKey, err)
	}
	return authors, nil
}

func rowFromInfo(i info.Info) (PluginInfo, error) {
	demoConfig, err := json.Marshal(i.DemoConfig)
	if err != nil {
		return PluginInfo{}, fmt.Errorf("store: encoding demo config: %w", err)
	}
	assets, err := json.Marshal(i.Assets)
	if err != nil {
		return PluginInfo{}, fmt.Errorf("store: encoding assets: %w", err)
	}
	concerns := make(pq.StringArray, len(i.Concerns))
	for n, c := range i.Concerns {
		concerns[n] = string(c)
	}
	return PluginInfo{
		Key:              i.Key(),
		PluginID:         i.ID,
		Version:          i.Version,
		Name:             i.Name,
		LibraryVersion:   i.LibraryVersion,
		State:            string(i.State),
		Concerns:         concerns,
		Teaser:           i.Teaser,
		Purpose:          i.Purpose,
		Methodology:      i.Methodology,
		Repository:       i.Repository,
		DemoConfig:       demoConfig,
		ShelfLifeSeconds: shelfLifeSeconds(i.ComputationShelfLife),
		Assets:           assets,
		OperatorSchema:   i.OperatorSchema,
		Sources:          pq.StringArray(i.Sources),
	}, nil
}

func infoFromRow(row PluginInfo, authors []info.Author) (info.Info, error) {
	i := info.Info{
		ID:                   row.PluginID,
		Name:                 row.Name,
		Version:              row.Version,
		LibraryVersion:       row.LibraryVersion,
		Authors:              authors,
		State:                info.State(row.State),
		Teaser:               row.Teaser,
		Purpose:              row.Purpose,
		Methodology:          row.Methodology,
		Repository:           row.Repository,
		ComputationShelfLife: shelfLifeFromSeconds(row.ShelfLifeSeconds),
		OperatorSchema:       row.OperatorSchema,
		Sources:              []string(row.Sources),
	}
	for _, c := range row.Concerns {
		i.Concerns = append(i.Concerns, info.Concern(c))
	}
	if len(row.DemoConfig) > 0 {
		if err := json.Unmarshal(row.DemoConfig, &i.DemoConfig); err != nil {
			return info.Info{}, fmt.Errorf("store: decoding demo config of %s: %w", row.Key, err)
		}
	}
	if len(row.Assets) > 0 {
		if err := json.Unmarshal(row.Assets, &i.Assets); err != nil {
			return info.Info{}, fmt.Errorf("store: decoding assets of %s: %w", row.Key, err)
		}
	}
	return i, nil
}

// shelfLifeSeconds maps the shelf life onto its column form: NULL for
// unbounded, otherwise whole seconds with zero meaning never cache.
func shelfLifeSeconds(s info.ShelfLife) *int64 {
	if s.Unbounded() {
		return nil
	}
	seconds := int64(s.Duration() / time.Second)
	return &seconds
}

func shelfLifeFromSeconds(seconds *int64) info.ShelfLife {
	if seconds == nil {
		return info.UnboundedShelfLife()
	}
	return info.ShelfLifeOf(time.Duration(*seconds) * time.Second)
}
