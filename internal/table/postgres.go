package table

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // Postgres driver, registered for database/sql
)

// PostgresConfig names the connection and table this adapter reads from.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	Table    string
}

// Postgres is a Table backed by a single Postgres table. The column list
// is discovered from information_schema at open time; the "id" column is
// the row key when present, otherwise the first column.
type Postgres struct {
	db        *sql.DB
	tableName string
	columns   []string
	keyColumn string
}

// NewPostgres opens a connection and loads cfg.Table's column list.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=require",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("table: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("table: ping postgres: %w", err)
	}

	p := &Postgres{db: db, tableName: cfg.Table}
	if err := p.loadSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) loadSchema() error {
	rows, err := p.db.Query(
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`,
		p.tableName,
	)
	if err != nil {
		return fmt.Errorf("table: query schema: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return fmt.Errorf("table: scan column: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("table: iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return fmt.Errorf("table: %s has no columns or does not exist", p.tableName)
	}

	idCol := columns[0]
	for _, c := range columns {
		if c == "id" {
			idCol = c
			break
		}
	}

	p.columns = columns
	p.keyColumn = idCol
	return nil
}

func (p *Postgres) scanRow(rows interface{ Scan(...any) error }) (map[string]string, error) {
	values := make([]any, len(p.columns))
	ptrs := make([]any, len(p.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(map[string]string, len(p.columns))
	for i, col := range p.columns {
		if values[i] != nil {
			row[col] = fmt.Sprintf("%v", values[i])
		}
	}
	return row, nil
}

func (p *Postgres) Get(id string) (map[string]string, error) {
	columnList := strings.Join(p.columns, ", ")
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", columnList, p.tableName, p.keyColumn)

	row := p.db.QueryRow(query, id)
	out, err := p.scanRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("table: scan row: %w", err)
	}
	return out, nil
}

func (p *Postgres) List(offset, size int) ([]map[string]string, error) {
	columnList := strings.Join(p.columns, ", ")
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT $1 OFFSET $2",
		columnList, p.tableName, p.keyColumn)

	rows, err := p.db.Query(query, size, offset)
	if err != nil {
		return nil, fmt.Errorf("table: query rows: %w", err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		row, err := p.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("table: scan row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) IDs() ([]string, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", p.keyColumn, p.tableName, p.keyColumn)
	rows, err := p.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("table: query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("table: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the underlying database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}
